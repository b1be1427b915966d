package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrInvalidConfig is returned when a configuration value is outside its
// documented range.
var ErrInvalidConfig = errors.New("invalid discovery configuration")

// minViablePeers is the floor below which bootstrap retry kicks in.
const minViablePeers = 5

// Config holds the tunable parameters of the discovery orchestrator.
type Config struct {
	// DiscoveryInterval is the period of the random-target lookup loop.
	DiscoveryInterval time.Duration

	// MaxPeersToDiscover caps the peers taken from one discovery round.
	MaxPeersToDiscover int

	// PeerCacheSize must be positive. The orchestrator does not otherwise
	// read it; the number of known peers is bounded only by the peer
	// cache's own tier limits.
	PeerCacheSize int

	// PeerCacheExpiryTime is how long an unseen peer survives.
	PeerCacheExpiryTime time.Duration

	// BootstrapRetryInterval spaces re-bootstrap attempts.
	BootstrapRetryInterval time.Duration

	// MaxBootstrapRetries bounds re-bootstrap attempts while the known
	// peer count stays below the minimum-viable floor.
	MaxBootstrapRetries int

	// EnablePeriodicDiscovery toggles the discovery loop.
	EnablePeriodicDiscovery bool

	// EnableBootstrapRetry toggles the bootstrap retry loop.
	EnableBootstrapRetry bool

	// Clock supplies time. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns sensible defaults for the orchestrator.
func DefaultConfig() *Config {
	return &Config{
		DiscoveryInterval:       30 * time.Second,
		MaxPeersToDiscover:      50,
		PeerCacheSize:           200,
		PeerCacheExpiryTime:     time.Hour,
		BootstrapRetryInterval:  time.Minute,
		MaxBootstrapRetries:     5,
		EnablePeriodicDiscovery: true,
		EnableBootstrapRetry:    true,
	}
}

// Validate checks every parameter against its documented range.
func (c *Config) Validate() error {
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("%w: discovery interval must be positive", ErrInvalidConfig)
	}
	if c.MaxPeersToDiscover <= 0 {
		return fmt.Errorf("%w: max peers to discover must be positive, got %d", ErrInvalidConfig, c.MaxPeersToDiscover)
	}
	if c.PeerCacheSize <= 0 {
		return fmt.Errorf("%w: peer cache size must be positive, got %d", ErrInvalidConfig, c.PeerCacheSize)
	}
	if c.PeerCacheExpiryTime <= 0 {
		return fmt.Errorf("%w: peer cache expiry time must be positive", ErrInvalidConfig)
	}
	if c.BootstrapRetryInterval <= 0 {
		return fmt.Errorf("%w: bootstrap retry interval must be positive", ErrInvalidConfig)
	}
	if c.MaxBootstrapRetries < 0 {
		return fmt.Errorf("%w: max bootstrap retries must be non-negative, got %d", ErrInvalidConfig, c.MaxBootstrapRetries)
	}
	return nil
}
