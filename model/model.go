package model

import (
	"errors"
	"time"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Order is an order entry request.
type Order struct {
	Symbol   string  `json:"symbol"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Side     Side    `json:"side"`
}

func (o *Order) Check() error {
	switch {
	case o == nil:
		return errors.New("order is nil")
	case o.Symbol == "":
		return errors.New("order symbol is empty")
	case o.Quantity <= 0:
		return errors.New("order quantity must be positive")
	case o.Price <= 0:
		return errors.New("order price must be positive")
	case o.Side != Buy && o.Side != Sell:
		return errors.New("order side must be buy or sell")
	}
	return nil
}

// Quote is a bid/ask snapshot for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid is the bid/ask midpoint.
func (q *Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Tick is one observed price event, fanned out to subscribers.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume int       `json:"volume"`
	Time   time.Time `json:"time"`
}
