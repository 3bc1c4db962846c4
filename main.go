package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"marketdriver/config"
	"marketdriver/engine"
	"marketdriver/market"
	"marketdriver/model"
	"marketdriver/pkg/pool"
	"marketdriver/pkg/pubsub"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

var (
	configFile    = flag.String("config", "", "config file (yaml), overrides the other flags")
	marketAddrs   = flag.String("markets", "ws://localhost:7800/api/md", "market api ws endpoints, comma separated")
	poolCapacity  = flag.Int("capacity", 5, "max market connections alive at once")
	listenAddr    = flag.String("listen", ":9010", "order entry & stats http server address")
	symbols       = flag.String("symbols", "AAPL,GOOGL,MSFT,TSLA,AMZN", "symbols to trade, comma separated")
	workers       = flag.Int("workers", 4, "concurrent trading workers")
	exampleConfig = flag.Bool("example_config", false, "print an example config and exit")
)

func main() {
	flag.Parse()

	if *exampleConfig {
		c := config.ExampleConfig()
		c.Write(flag.CommandLine.Output())
		return
	}

	cfg := config.UseConfig()
	cfg.Market.Endpoints = strings.Split(*marketAddrs, ",")
	cfg.Pool.Capacity = *poolCapacity
	cfg.Pool.AcquireTimeoutMs = int(engine.DefaultAcquireTimeout.Milliseconds())
	cfg.Engine.Symbols = strings.Split(*symbols, ",")
	cfg.Engine.Workers = *workers
	cfg.Listen.Http = *listenAddr
	if *configFile != "" {
		if err := cfg.ReadFromYaml(*configFile); err != nil {
			slog.Error("read config failed", "file", *configFile, "err", err)
			return
		}
	}
	if err := cfg.Check(); err != nil {
		slog.Error("bad config", "err", err)
		return
	}

	if cfg.Market.Origin != "" {
		market.DefaultOrigin = cfg.Market.Origin
	}

	// ticks -> (chan | redis)
	var ticks pubsub.PubSub[model.Tick]
	if enabled, _ := cfg.Redis.IsEnabledAndValid(); enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		ticks = pubsub.NewPubSubRedis[model.Tick]("marketdriver.ticks", rdb)
	} else {
		ticks = pubsub.NewPubSubChan[model.Tick]()
	}

	// markets -> pool -> engine
	endpoints := cfg.Market.Endpoints
	var next atomic.Int64
	p, err := pool.New(cfg.Pool.Capacity, func() (*market.Conn, error) {
		ep := endpoints[int(next.Add(1))%len(endpoints)]
		return market.Dial(ep)
	})
	if err != nil {
		slog.Error("create pool failed", "err", err)
		return
	}

	eng := engine.New(p, ticks, cfg.Engine.TradesPerSec)
	eng.AcquireTimeout = cfg.Pool.GetAcquireTimeout()
	eng.Verbose = true
	eng.Name = "marketdriver"

	// engine -> (http) & (stdout)
	go ServeHTTP(cfg.Listen.Http, eng)
	go printTicks(eng.Ticks())
	go logStats(eng)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := simulateTrading(ctx, eng, cfg.Engine); err != nil && ctx.Err() == nil {
		slog.Error("trading workers stopped", "err", err)
	}

	eng.Close()
	slog.Info("marketdriver stopped", "stats", eng.Stats())
}

// simulateTrading runs Workers goroutines that keep quoting the
// configured symbols and occasionally place an order, until ctx ends.
func simulateTrading(ctx context.Context, eng *engine.Engine, cfg config.EngineConfig) error {
	if cfg.Workers <= 0 || len(cfg.Symbols) == 0 {
		// nothing to simulate: serve http until interrupted
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				symbol := cfg.Symbols[(i+w)%len(cfg.Symbols)]

				q, err := eng.Quote(symbol)
				if err != nil {
					continue // logged by the engine
				}

				if i%3 == 0 {
					eng.Trade(&model.Order{
						Symbol:   symbol,
						Quantity: 100 * (i%10 + 1),
						Price:    q.Ask,
						Side:     model.Buy,
					})
				}

				// vary the pace so the workers do not march in lockstep
				time.Sleep(50*time.Millisecond + time.Duration(rand.Intn(10))*time.Millisecond)
			}
		})
	}

	return g.Wait()
}

func printTicks(ticks <-chan pubsub.Result[model.Tick]) {
	for r := range ticks {
		if r.Err != nil {
			slog.Warn("bad tick", "err", r.Err)
			continue
		}
		fmt.Printf("%s %s %.2f x%d\n", r.Ok.Time.Format("15:04:05"), r.Ok.Symbol, r.Ok.Price, r.Ok.Volume)
	}
}

func logStats(eng *engine.Engine) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for range t.C {
		s := eng.Stats()
		slog.Info("pool stats",
			"idle", s.Idle, "capacity", s.Capacity, "created", s.Created,
			"active", s.Active(), "acquisitions", s.Acquisitions, "releases", s.Releases)
	}
}
