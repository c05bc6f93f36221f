// Package metrics reports driver progress to a statsd agent.
package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	Submitted   = "ring_submitted"
	Processed   = "ring_processed"
	Failed      = "ring_failed"
	FullRetries = "ring_full_retries"
	Outstanding = "ring_outstanding"
	Wakeups     = "ring_wakeups"
	RoundTime   = "ring_round_latency"
)

// Client is a thin wrapper over a statsd client that logs instead of
// returning on send failures.
type Client struct {
	statsd statsd.ClientInterface
	tags   []string
}

// New connects to addr when enabled, otherwise every call is dropped.
func New(enabled bool, addr, appName string) (*Client, error) {
	tags := []string{"service:" + appName}
	if !enabled {
		return &Client{statsd: &statsd.NoOpClient{}, tags: tags}, nil
	}

	client, err := statsd.New(addr, statsd.WithTags(tags))
	if err != nil {
		return nil, errors.Wrapf(err, "statsd client for %s", addr)
	}
	log.Info().Str("addr", addr).Strs("tags", tags).Msg("metrics client initialized")
	return &Client{statsd: client, tags: tags}, nil
}

// NewWithClient wraps an existing statsd client.
func NewWithClient(client statsd.ClientInterface) *Client {
	return &Client{statsd: client}
}

func (c *Client) Count(name string, value int64, tags ...string) {
	if err := c.statsd.Count(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd count failed")
	}
}

func (c *Client) Incr(name string, tags ...string) {
	c.Count(name, 1, tags...)
}

func (c *Client) Gauge(name string, value float64, tags ...string) {
	if err := c.statsd.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd gauge failed")
	}
}

func (c *Client) Timing(name string, value time.Duration, tags ...string) {
	if err := c.statsd.Timing(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd timing failed")
	}
}

func (c *Client) Close() error {
	return c.statsd.Close()
}
