// Package engine drives trading operations over a bounded pool of
// market connections.
package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"marketdriver/market"
	"marketdriver/model"
	"marketdriver/pkg/pool"
	"marketdriver/pkg/pubsub"

	"github.com/cdfmlr/ellipsis"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// errors
var (
	ErrAcquireConn = errors.New("cannot acquire a market connection")
	ErrQuoteFailed = errors.New("quote failed")
	ErrTradeFailed = errors.New("trade failed")
	ErrThrottled   = errors.New("trade throttled")
)

// MaxConsecutiveFailures is how many calls a connection may fail in a
// row before the engine retires it instead of returning it to the pool.
var MaxConsecutiveFailures int64 = 3

const DefaultAcquireTimeout = 5 * time.Second

// Engine runs quotes and trades on pooled market connections and
// publishes the resulting ticks.
//
// Every operation is acquire-use-release: the pool guarantees the
// connection is exclusively ours until Release.
type Engine struct {
	pool  pool.Pool[*market.Conn]
	ticks pubsub.PubSub[model.Tick]

	// AcquireTimeout bounds the wait for a pooled connection.
	// Zero means DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	limiter *rate.Limiter // order entry pacing; nil = unlimited

	closed atomic.Bool

	Verbose bool   // if true, operation errors are logged here.
	Name    string // for logging.
}

// New creates an Engine on top of p. ticks receives one Tick per
// successful quote or trade. tradesPerSec > 0 paces order entry;
// 0 disables the limiter.
func New(p pool.Pool[*market.Conn], ticks pubsub.PubSub[model.Tick], tradesPerSec float64) *Engine {
	e := &Engine{
		pool:  p,
		ticks: ticks,
	}
	if tradesPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(tradesPerSec), 1)
	}
	return e
}

// Quote fetches a quote for symbol and publishes its midpoint as a
// tick.
func (e *Engine) Quote(symbol string) (*model.Quote, error) {
	q, err := e.quote(symbol)
	e.logErr(err)
	return q, err
}

func (e *Engine) quote(symbol string) (*model.Quote, error) {
	conn, err := e.pool.Acquire(e.acquireTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquireConn, err)
	}
	defer e.done(conn)

	q, err := conn.Quote(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: conn=%s symbol=%s: %w", ErrQuoteFailed, conn.ShortID(), symbol, err)
	}

	e.publish(model.Tick{Symbol: q.Symbol, Price: q.Mid(), Time: q.Time})
	return q, nil
}

// Trade submits order through a pooled connection, rate limited, and
// publishes the fill tick.
func (e *Engine) Trade(order *model.Order) (*model.Tick, error) {
	tick, err := e.trade(order)
	e.logErr(err)
	return tick, err
}

func (e *Engine) trade(order *model.Order) (*model.Tick, error) {
	if e.limiter != nil && !e.limiter.Allow() {
		return nil, fmt.Errorf("%w: %s %d %s", ErrThrottled, order.Side, order.Quantity, order.Symbol)
	}

	conn, err := e.pool.Acquire(e.acquireTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquireConn, err)
	}
	defer e.done(conn)

	tick, err := conn.Trade(order)
	if err != nil {
		return nil, fmt.Errorf("%w: conn=%s failures=%d/%d: %w", ErrTradeFailed,
			conn.ShortID(), conn.SuccessiveFailures(), MaxConsecutiveFailures, err)
	}

	e.publish(*tick)
	return tick, nil
}

// done gives conn back to the pool, retiring it first when it has
// failed too many calls in a row: closing makes it invalid, so Release
// discards it instead of storing it.
func (e *Engine) done(conn *market.Conn) {
	if conn.SuccessiveFailures() >= MaxConsecutiveFailures {
		slog.Warn("[engine] retiring connection",
			"conn", conn.ShortID(), "failures", conn.SuccessiveFailures())
		conn.Close()
	}
	e.pool.Release(conn)
}

func (e *Engine) publish(tick model.Tick) {
	if e.ticks == nil {
		return
	}
	if err := e.ticks.Publish(tick); err != nil {
		slog.Warn("[engine] publish tick failed", "symbol", tick.Symbol, "err", err)
	}
}

// Ticks subscribes to the ticks this engine publishes.
func (e *Engine) Ticks() <-chan pubsub.Result[model.Tick] {
	return e.ticks.Subscribe()
}

// Stats is a passthrough to the pool's monitoring snapshot.
func (e *Engine) Stats() pool.Stats {
	return e.pool.Stats()
}

// Close shuts the pool and the tick hub down. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.pool.Shutdown()
	if e.ticks != nil {
		return e.ticks.Close()
	}
	return nil
}

func (e *Engine) acquireTimeout() time.Duration {
	if e.AcquireTimeout > 0 {
		return e.AcquireTimeout
	}
	return DefaultAcquireTimeout
}

func (e *Engine) logErr(err error) {
	if err == nil || !e.Verbose {
		return
	}
	if e.Name == "" {
		e.Name = "Engine"
	}
	msg := fmt.Sprintf("[engine] %s %s", e.Name, ellipsis.Centering(err.Error(), 120))
	switch {
	case errors.Is(err, ErrAcquireConn):
		slog.Error(msg)
	case errors.Is(err, ErrThrottled):
		slog.Warn(msg)
	case errors.Is(err, ErrQuoteFailed), errors.Is(err, ErrTradeFailed):
		slog.Warn(msg)
	default:
		slog.Error(msg)
	}
}
