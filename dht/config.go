package dht

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrInvalidConfig is returned when a configuration value is outside its
// documented range. It is fatal to startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the tunable parameters of the DHT engine.
type Config struct {
	// NodeID is the local node's identity. A random ID is generated
	// when left zero.
	NodeID NodeID

	// K is the bucket capacity and replication factor.
	K int

	// Alpha is the parallelism degree of iterative lookups.
	Alpha int

	// BucketRefreshInterval is how often stale buckets are refreshed.
	BucketRefreshInterval time.Duration

	// RepublishInterval is how often locally held values are re-stored.
	RepublishInterval time.Duration

	// ExpireInterval is how long a stored value lives before it is dropped.
	ExpireInterval time.Duration

	// PingTimeout bounds every outbound request.
	PingTimeout time.Duration

	// MaxRetries is the number of send attempts per request.
	MaxRetries int

	// Clock supplies time to the engine. Defaults to the wall clock;
	// tests substitute a mock.
	Clock clock.Clock
}

// DefaultConfig returns sensible defaults for the DHT engine.
func DefaultConfig() *Config {
	return &Config{
		K:                     20,
		Alpha:                 3,
		BucketRefreshInterval: time.Hour,
		RepublishInterval:     time.Hour,
		ExpireInterval:        24 * time.Hour,
		PingTimeout:           5 * time.Second,
		MaxRetries:            3,
	}
}

// Validate checks every parameter against its documented range.
func (c *Config) Validate() error {
	if c.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, c.K)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("%w: alpha must be positive, got %d", ErrInvalidConfig, c.Alpha)
	}
	if c.BucketRefreshInterval <= 0 {
		return fmt.Errorf("%w: bucket refresh interval must be positive", ErrInvalidConfig)
	}
	if c.RepublishInterval <= 0 {
		return fmt.Errorf("%w: republish interval must be positive", ErrInvalidConfig)
	}
	if c.ExpireInterval <= 0 {
		return fmt.Errorf("%w: expire interval must be positive", ErrInvalidConfig)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("%w: ping timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be at least 1, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	return nil
}
