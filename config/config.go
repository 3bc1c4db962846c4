package config

import (
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	Market MarketConfig // market API endpoints
	Pool   PoolConfig   // connection pool sizing
	Engine EngineConfig // trading simulation
	Redis  RedisConfig  // optional redis tick fan-out
	Listen ListenConfig // addresses this program listens on
}

// MarketConfig tells the driver where the market APIs live.
type MarketConfig struct {
	Endpoints []string // websocket endpoints, dialed round-robin
	Origin    string   // ws handshake origin
}

func (c *MarketConfig) Check() error {
	if len(c.Endpoints) == 0 {
		return errors.New("market endpoints is empty")
	}
	return nil
}

// PoolConfig sizes the market connection pool.
type PoolConfig struct {
	Capacity         int // max simultaneously-alive connections
	AcquireTimeoutMs int // how long an operation waits for a connection
}

func (c *PoolConfig) Check() error {
	if c.Capacity <= 0 {
		return errors.New("pool capacity must be positive")
	}
	return nil
}

// GetAcquireTimeout is a shorthand for:
//
//	time.Duration(c.AcquireTimeoutMs) * time.Millisecond
func (c *PoolConfig) GetAcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMs) * time.Millisecond
}

// EngineConfig drives the simulated trading workers.
type EngineConfig struct {
	Symbols      []string // symbols the workers quote and trade
	TradesPerSec float64  // order entry rate limit, 0 = unlimited
	Workers      int      // concurrent trading workers
}

// RedisConfig enables cross-process tick fan-out. When disabled (or
// Addr is empty) ticks stay in-process on a chan hub.
type RedisConfig struct {
	Addr     string
	Disabled bool
}

// IsEnabledAndValid reports whether redis should be used and whether
// the section is usable (err == nil means usable).
func (c *RedisConfig) IsEnabledAndValid() (enabled bool, err error) {
	if c.Disabled {
		return false, nil
	}
	enabled = c.Addr != ""
	return enabled, nil
}

// ListenConfig is the addresses this program listens on.
type ListenConfig struct {
	Http string // order entry + stats http server address
}

func (c *config) Read(src io.Reader) error {
	return yaml.NewDecoder(src).Decode(&c)
}

func (c *config) Write(dst io.Writer) error {
	return yaml.NewEncoder(dst).Encode(&c)
}

func (c *config) ReadFromYaml(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	return c.Read(f)
}

func (c *config) WriteToYaml(file string) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer f.Close()

	return c.Write(f)
}

func (c *config) Check() error {
	if err := c.Market.Check(); err != nil {
		return err
	}
	return c.Pool.Check()
}

var configInstance = config{}

func UseConfig() *config {
	return &configInstance
}

// ExampleConfig generates an example configuration.
func ExampleConfig() config {
	return config{
		Market: MarketConfig{
			Endpoints: []string{"ws://marketapi:7800/api/md"},
			Origin:    "http://marketdriver/",
		},
		Pool: PoolConfig{
			Capacity:         5,
			AcquireTimeoutMs: 5000,
		},
		Engine: EngineConfig{
			Symbols:      []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN"},
			TradesPerSec: 2,
			Workers:      4,
		},
		Redis: RedisConfig{
			Addr:     "redis:6379",
			Disabled: true,
		},
		Listen: ListenConfig{
			Http: ":9010",
		},
	}
}
