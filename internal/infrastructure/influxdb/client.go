package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	// Used when the config leaves batching at zero. The bridge writes a
	// few points per health tick, so small batches flush promptly.
	defaultBatchSize     = 50
	defaultFlushInterval = 10 * time.Second
)

// Client writes modem telemetry through the non-blocking write API.
// Writes after Close are dropped.
//
// Thread Safety: all methods are safe for concurrent use. The bridge loop
// and the health reporter write from different goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	connected atomic.Bool
	points    atomic.Uint64
	failures  atomic.Uint64

	mu      sync.RWMutex
	onError func(err error)
}

// WriteStats counts points handed to the write API and batches the server
// rejected.
type WriteStats struct {
	Points   uint64 `json:"points"`
	Failures uint64 `json:"failures"`
}

// Connect pings the server and opens a batched write API on cfg's bucket.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	c.connected.Store(true)
	go c.drainErrors(c.writeAPI.Errors())

	return c, nil
}

// writeOptions maps the config onto client options. Points carry their own
// timestamps, so second precision is enough for readings taken seconds apart.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := time.Duration(cfg.FlushInterval) * time.Second
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	// #nosec G115 -- both values are positive here
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flush / time.Millisecond)).
		SetPrecision(time.Second).
		SetUseGZip(true)
}

// drainErrors counts async write failures and hands them to the callback.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failures.Add(1)

		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// write queues one point unless the client is closed.
func (c *Client) write(p *write.Point) {
	if !c.connected.Load() {
		return
	}
	c.writeAPI.WritePoint(p)
	c.points.Add(1)
}

// Close flushes pending points and closes the client.
func (c *Client) Close() error {
	if c.client == nil || !c.connected.Swap(false) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports whether Connect succeeded and Close has not run.
// It does not ping; use HealthCheck for that.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns write counters since Connect.
func (c *Client) Stats() WriteStats {
	return WriteStats{
		Points:   c.points.Load(),
		Failures: c.failures.Load(),
	}
}

// SetOnError sets the callback for async write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	c.onError = callback
	c.mu.Unlock()
}

// Flush blocks until queued points are sent. No-op after Close.
func (c *Client) Flush() {
	if !c.connected.Load() {
		return
	}
	c.writeAPI.Flush()
}
