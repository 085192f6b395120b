package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
)

// Tuning for a sink reached over the device's own uplink. Writes are batched
// in memory and retried by the client library; the agent never blocks on the
// database.
const (
	// pingTimeout bounds the startup reachability probe.
	pingTimeout = 5 * time.Second

	// retryIntervalMS is the client library's backoff base between retried
	// batches while the server is unreachable.
	retryIntervalMS = 5000

	// maxRetries caps retried batches; beyond this the oldest batch is
	// dropped, keeping memory bounded on a long outage.
	maxRetries = 5

	// msPerSecond converts config seconds into the client's millisecond units.
	msPerSecond = 1000
)

// Client is the agent's optional direct measurement sink.
//
// All writes are asynchronous. Failures surface through the error callback
// given to Connect, never as return values on the write path; a grid sample
// is cheap and the next one is seconds away.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	onError  func(error)

	mu     sync.Mutex
	closed bool
}

// Connect builds the sink from config.
//
// The server is probed once; an unreachable server is reported through
// onError but does not fail Connect. On site the database regularly comes up
// after the device, and batches buffer locally until it appears. Connect
// fails only on a disabled or incomplete configuration.
//
// onError receives asynchronous write failures for the sink's lifetime and
// may be nil.
func Connect(cfg config.InfluxDBConfig, onError func(error)) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: url, token, org and bucket are all required", ErrConnectionFailed)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	// #nosec G115 -- values forced positive above
	inner := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*msPerSecond).
			SetRetryInterval(retryIntervalMS).
			SetMaxRetries(maxRetries),
	)

	c := &Client{
		client:   inner,
		writeAPI: inner.WriteAPI(cfg.Org, cfg.Bucket),
		onError:  onError,
	}
	go c.drainWriteErrors(c.writeAPI.Errors())

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if reachable, err := inner.Ping(ctx); err != nil || !reachable {
		c.report(fmt.Errorf("%w: server unreachable, buffering writes", ErrConnectionFailed))
	}

	return c, nil
}

// drainWriteErrors feeds the client library's async error channel into the
// callback until the channel closes with the client.
func (c *Client) drainWriteErrors(errs <-chan error) {
	for err := range errs {
		c.report(err)
	}
}

func (c *Client) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// active reports whether the sink accepts writes.
func (c *Client) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeAPI != nil && !c.closed
}

// Flush pushes buffered points out now. Called before shutdown so the last
// samples do not die with the process.
func (c *Client) Flush() {
	if !c.active() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes and shuts the sink down. Subsequent writes and flushes are
// silent no-ops; Close itself is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
