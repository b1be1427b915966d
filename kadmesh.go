// Package kadmesh implements the peer-discovery core of a decentralized
// social overlay: a Kademlia-style DHT, a discovery orchestrator, a
// two-tier peer cache and a typed event bus, composed behind one facade.
//
// Example:
//
//	mesh, err := kadmesh.New(kadmesh.DefaultConfig(), transport)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sub, _ := mesh.Subscribe(64)
//	go func() {
//	    for ev := range sub.C {
//	        fmt.Printf("event: %s\n", ev.Type())
//	    }
//	}()
//
//	if err := mesh.Start(seeds); err != nil {
//	    log.Fatal(err)
//	}
//	defer mesh.Stop()
package kadmesh

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadmesh/cache"
	"github.com/opd-ai/kadmesh/dht"
	"github.com/opd-ai/kadmesh/discovery"
	"github.com/opd-ai/kadmesh/event"
)

// Config aggregates per-component configuration. Nil sections get that
// component's defaults.
type Config struct {
	DHT       *dht.Config
	Discovery *discovery.Config
	Cache     *cache.Config

	// Clock, when set, is pushed into every component that has not set
	// its own. Tests use this to drive all loops from one mock clock.
	Clock clock.Clock
}

// DefaultConfig returns defaults for every component.
func DefaultConfig() *Config {
	return &Config{
		DHT:       dht.DefaultConfig(),
		Discovery: discovery.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
	}
}

// Mesh is the composition point of the peer-discovery core. Application
// code subscribes to its event bus, queries its cache and orchestrator,
// and merges its own peer list through MergedPeers.
type Mesh struct {
	engine     *dht.DHT
	peers      *cache.PeerCache
	discoverer *discovery.Discoverer
	bus        *event.Bus

	mu      sync.Mutex
	running bool
	stopped bool
}

// New wires the components over the given transport.
func New(config *Config, transport dht.Transport) (*Mesh, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DHT == nil {
		config.DHT = dht.DefaultConfig()
	}
	if config.Discovery == nil {
		config.Discovery = discovery.DefaultConfig()
	}
	if config.Cache == nil {
		config.Cache = cache.DefaultConfig()
	}
	if config.Clock != nil {
		if config.DHT.Clock == nil {
			config.DHT.Clock = config.Clock
		}
		if config.Discovery.Clock == nil {
			config.Discovery.Clock = config.Clock
		}
		if config.Cache.Clock == nil {
			config.Cache.Clock = config.Clock
		}
	}

	engine, err := dht.New(config.DHT, transport)
	if err != nil {
		return nil, fmt.Errorf("creating DHT engine: %w", err)
	}

	peers, err := cache.New(config.Cache)
	if err != nil {
		return nil, fmt.Errorf("creating peer cache: %w", err)
	}

	bus := event.NewBus(config.Clock)

	discoverer, err := discovery.New(config.Discovery, engine, peers, bus)
	if err != nil {
		peers.Close()
		bus.Shutdown()
		return nil, fmt.Errorf("creating discoverer: %w", err)
	}

	return &Mesh{
		engine:     engine,
		peers:      peers,
		discoverer: discoverer,
		bus:        bus,
	}, nil
}

// Start brings up the DHT engine and the discovery orchestrator.
func (m *Mesh) Start(bootstrapPeers []cache.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.stopped {
		return errors.New("mesh already stopped")
	}

	if err := m.engine.Start(); err != nil {
		return fmt.Errorf("starting DHT engine: %w", err)
	}
	if err := m.discoverer.Start(bootstrapPeers); err != nil {
		_ = m.engine.Stop()
		return fmt.Errorf("starting discoverer: %w", err)
	}

	m.running = true
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"node_id":  m.engine.SelfID().String(),
	}).Info("Mesh started")
	return nil
}

// Stop shuts everything down in dependency order. Stop is idempotent.
func (m *Mesh) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.stopped = true

	if err := m.discoverer.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"error":    err.Error(),
		}).Warn("Discoverer stop failed")
	}
	if err := m.engine.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"error":    err.Error(),
		}).Warn("DHT engine stop failed")
	}
	m.peers.Close()
	m.bus.Shutdown()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Mesh stopped")
	return nil
}

// DHT exposes the underlying engine.
func (m *Mesh) DHT() *dht.DHT {
	return m.engine
}

// Cache exposes the underlying peer cache.
func (m *Mesh) Cache() *cache.PeerCache {
	return m.peers
}

// Discovery exposes the underlying orchestrator.
func (m *Mesh) Discovery() *discovery.Discoverer {
	return m.discoverer
}

// Events exposes the event bus.
func (m *Mesh) Events() *event.Bus {
	return m.bus
}

// Subscribe opens a replaying subscription on the event bus.
func (m *Mesh) Subscribe(buffer int) (*event.Subscription, error) {
	return m.bus.Subscribe(buffer)
}

// MergedPeers merges the discovery view with an application-supplied
// peer list: per peer ID the fresher entry wins, and the result is
// sorted by descending last-seen.
func (m *Mesh) MergedPeers(appPeers []cache.Peer) []cache.Peer {
	return discovery.MergePeerLists(m.discoverer.CachedPeers(), appPeers)
}
