package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrInvalidConfig is returned when a configuration value is outside its
// documented range.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// EvictionPolicy selects how hot-tier victims are ranked.
type EvictionPolicy int

const (
	// PolicyLRU evicts the least recently accessed entry first.
	PolicyLRU EvictionPolicy = iota
	// PolicyLFU evicts the least frequently accessed entry first.
	PolicyLFU
	// PolicyTTL evicts the entry expiring soonest first.
	PolicyTTL
	// PolicyReputation evicts the lowest-reputation entry first.
	PolicyReputation
	// PolicyLRUWithReputation evicts by the hybrid score, lowest first.
	PolicyLRUWithReputation
	// PolicyNetworkDistance evicts the most distant entry first.
	PolicyNetworkDistance
)

// Config holds the tunable parameters of the peer cache.
type Config struct {
	// MaxMemoryEntries bounds the hot tier.
	MaxMemoryEntries int

	// MaxDiskEntries bounds the cold tier.
	MaxDiskEntries int

	// DefaultTTL applies to LOW and NORMAL priority entries.
	DefaultTTL time.Duration

	// HighPriorityTTL applies to HIGH and CRITICAL priority entries.
	HighPriorityTTL time.Duration

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration

	// PersistenceEnabled enables the cold tier.
	PersistenceEnabled bool

	// CompressionEnabled compresses cold-tier records.
	CompressionEnabled bool

	// EvictionPolicy ranks hot-tier eviction victims.
	EvictionPolicy EvictionPolicy

	// ReputationDecayRate is the daily multiplicative decay applied to
	// every entry's reputation.
	ReputationDecayRate float64

	// ConnectionHistorySize caps each peer's connection history.
	ConnectionHistorySize int

	// AutoWarmingEnabled is carried in the configuration only: the cache
	// does not read it and performs no warming on startup. Bulk inserts
	// go through WarmCache.
	AutoWarmingEnabled bool

	// Clock supplies time. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns sensible defaults for the peer cache.
func DefaultConfig() *Config {
	return &Config{
		MaxMemoryEntries:      500,
		MaxDiskEntries:        2000,
		DefaultTTL:            24 * time.Hour,
		HighPriorityTTL:       7 * 24 * time.Hour,
		CleanupInterval:       time.Hour,
		PersistenceEnabled:    true,
		CompressionEnabled:    true,
		EvictionPolicy:        PolicyLRUWithReputation,
		ReputationDecayRate:   0.1,
		ConnectionHistorySize: 10,
		AutoWarmingEnabled:    true,
	}
}

// Validate checks every parameter against its documented range.
func (c *Config) Validate() error {
	if c.MaxMemoryEntries <= 0 {
		return fmt.Errorf("%w: max memory entries must be positive, got %d", ErrInvalidConfig, c.MaxMemoryEntries)
	}
	if c.PersistenceEnabled && c.MaxDiskEntries <= 0 {
		return fmt.Errorf("%w: max disk entries must be positive, got %d", ErrInvalidConfig, c.MaxDiskEntries)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("%w: default TTL must be positive", ErrInvalidConfig)
	}
	if c.HighPriorityTTL <= 0 {
		return fmt.Errorf("%w: high priority TTL must be positive", ErrInvalidConfig)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cleanup interval must be positive", ErrInvalidConfig)
	}
	if c.ReputationDecayRate < 0 || c.ReputationDecayRate > 1 {
		return fmt.Errorf("%w: decay rate must be in [0,1], got %f", ErrInvalidConfig, c.ReputationDecayRate)
	}
	if c.ConnectionHistorySize <= 0 {
		return fmt.Errorf("%w: connection history size must be positive, got %d", ErrInvalidConfig, c.ConnectionHistorySize)
	}
	if c.EvictionPolicy < PolicyLRU || c.EvictionPolicy > PolicyNetworkDistance {
		return fmt.Errorf("%w: unknown eviction policy %d", ErrInvalidConfig, c.EvictionPolicy)
	}
	return nil
}
