// Package market implements pooled connections to a market API:
// a websocket client with JSON framing that serves quote fetches and
// order execution, plus the wear model that decides when a connection
// should be retired.
package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketdriver/model"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/net/websocket"
)

// apiMessage is the frame format of the market API.
type apiMessage struct {
	Cmd  int             `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// market API Cmds
const (
	cmdHeartbeat = 0
	cmdQuote     = 1
	cmdTrade     = 2
	cmdError     = 9
)

// heartbeating
const heartbeatMessage = `{"cmd":0}`

var HeartbeatInterval = 30 * time.Second

// Configurable variables (defaults for Dial)
var (
	DefaultOrigin = "http://localhost/"
)

// wear model: a connection is retired after 30 minutes without use or
// after 1000 uses.
const (
	maxIdleAge = 30 * time.Minute
	maxUsage   = 1000
)

var ErrConnClosed = errors.New("market: connection closed")

// Conn is one connection to a market API endpoint. It is expensive to
// establish, so it is meant to be reused through a pool; the pool's
// checkout discipline guarantees at most one caller uses it at a time,
// and the internal mutex only fences the heartbeat writer against that
// caller.
type Conn struct {
	id        uuid.UUID
	endpoint  string
	createdAt time.Time

	mu sync.Mutex // serializes frames on ws
	ws *websocket.Conn

	lastUsed atomic.Int64 // unix nanos
	usage    atomic.Int64 // cumulative, survives Reset
	open     atomic.Bool

	failures atomic.Int64 // successive call failures, cleared on success

	heartbeatDone chan struct{}
}

// Dial connects to a market API websocket endpoint.
func Dial(endpoint string) (*Conn, error) {
	ws, err := websocket.Dial(endpoint, "", DefaultOrigin)
	if err != nil {
		return nil, fmt.Errorf("market: dial %s: %w", endpoint, err)
	}

	c := &Conn{
		id:            uuid.New(),
		endpoint:      endpoint,
		createdAt:     time.Now(),
		ws:            ws,
		heartbeatDone: make(chan struct{}),
	}
	c.lastUsed.Store(time.Now().UnixNano())
	c.open.Store(true)

	go c.heartbeat()

	slog.Info("[market] connection established", "conn", c.ShortID(), "endpoint", endpoint)
	return c, nil
}

// heartbeat keeps the connection alive. A failed heartbeat marks the
// connection invalid so the pool retires it on the next validation.
func (c *Conn) heartbeat() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			err := websocket.Message.Send(c.ws, heartbeatMessage)
			c.mu.Unlock()
			if err != nil {
				slog.Warn("[market] heartbeat failed", "conn", c.ShortID(), "err", err)
				c.open.Store(false)
				return
			}
		case <-c.heartbeatDone:
			return
		}
	}
}

// Quote fetches the current quote for symbol. Counts one use.
func (c *Conn) Quote(symbol string) (*model.Quote, error) {
	data, err := c.call(cmdQuote, map[string]any{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("market: quote %s: %w", symbol, err)
	}

	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("market: quote %s: decode: %w", symbol, err)
	}
	return &q, nil
}

// Trade submits an order. The response is the resulting fill tick.
func (c *Conn) Trade(order *model.Order) (*model.Tick, error) {
	if err := order.Check(); err != nil {
		return nil, fmt.Errorf("market: trade: %w", err)
	}

	data, err := c.call(cmdTrade, order)
	if err != nil {
		return nil, fmt.Errorf("market: trade %s: %w", order.Symbol, err)
	}

	var tick model.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("market: trade %s: decode: %w", order.Symbol, err)
	}
	return &tick, nil
}

// call does one request/response exchange, bumping the usage counter
// and the lastUsed stamp. Heartbeat echoes from the server are skipped.
func (c *Conn) call(cmd int, payload any) (json.RawMessage, error) {
	if !c.IsValid() {
		return nil, ErrConnClosed
	}

	c.usage.Add(1)
	c.lastUsed.Store(time.Now().UnixNano())

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := json.Marshal(apiMessage{Cmd: cmd, Data: body})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := websocket.Message.Send(c.ws, string(req)); err != nil {
		c.failures.Add(1)
		return nil, err
	}

	for {
		var raw string
		if err := websocket.Message.Receive(c.ws, &raw); err != nil {
			c.failures.Add(1)
			return nil, err
		}

		var resp apiMessage
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			c.failures.Add(1)
			return nil, err
		}

		switch resp.Cmd {
		case cmdHeartbeat: // server keepalive, not our response
			continue
		case cmdError:
			c.failures.Add(1)
			return nil, apiError(resp.Data)
		default:
			c.failures.Store(0)
			return resp.Data, nil
		}
	}
}

func apiError(data json.RawMessage) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		return fmt.Errorf("server error: %s", data)
	}
	return fmt.Errorf("server error: %s", e.Error)
}

// Reset refreshes the connection for its next checkout.
// The usage counter deliberately survives Reset: it is cumulative, it
// feeds the wear model in IsValid and the monitoring surface.
func (c *Conn) Reset() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// IsValid reports whether the connection is still worth handing out:
// open, used within maxIdleAge, and under maxUsage total uses.
// Once Close has been called it reports false forever.
func (c *Conn) IsValid() bool {
	if !c.open.Load() {
		return false
	}
	if time.Since(time.Unix(0, c.lastUsed.Load())) > maxIdleAge {
		return false
	}
	return c.usage.Load() < maxUsage
}

// Close permanently disables the connection and closes the websocket.
// Calling it again is a no-op.
func (c *Conn) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	close(c.heartbeatDone)

	err := c.ws.Close()
	slog.Info("[market] connection closed", "conn", c.ShortID(), "usage", c.usage.Load())
	return err
}

// ID is the immutable identity of this connection.
func (c *Conn) ID() uuid.UUID { return c.id }

// ShortID is the first uuid group, for logs.
func (c *Conn) ShortID() string { return c.id.String()[:8] }

func (c *Conn) Endpoint() string { return c.endpoint }

func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Usage is the cumulative number of calls served by this connection.
func (c *Conn) Usage() int64 { return c.usage.Load() }

// SuccessiveFailures is the number of calls that failed in a row.
// A successful call clears it.
func (c *Conn) SuccessiveFailures() int64 { return c.failures.Load() }
