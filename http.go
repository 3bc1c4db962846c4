package main

import (
	"net/http"

	"marketdriver/engine"
	"marketdriver/model"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/slog"
)

// ServeHTTP listens addr and serves order entry, quotes and pool stats:
//
//	POST /orders
//	Content-Type: application/json
//	{ "symbol": "AAPL", "quantity": 100, "price": 150.0, "side": "buy" }
//
//	GET /quotes/:symbol
//	GET /stats
func ServeHTTP(addr string, eng *engine.Engine) {
	// no logger
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/orders", func(c *gin.Context) {
		var order model.Order
		if err := c.BindJSON(&order); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := order.Check(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tick, err := eng.Trade(&order)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		slog.Info("[ServeHTTP] order filled.", "symbol", order.Symbol, "quantity", order.Quantity, "price", tick.Price)
		c.JSON(http.StatusOK, tick)
	})

	r.GET("/quotes/:symbol", func(c *gin.Context) {
		q, err := eng.Quote(c.Param("symbol"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, q)
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.Stats())
	})

	r.Run(addr)
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
