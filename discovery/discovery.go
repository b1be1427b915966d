package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadmesh/cache"
	"github.com/opd-ai/kadmesh/dht"
	"github.com/opd-ai/kadmesh/event"
)

// ErrNotRunning is returned by operations requiring a started discoverer.
var ErrNotRunning = errors.New("discoverer not running")

// NetworkStatus is the orchestrator's observable lifecycle state.
type NetworkStatus int

const (
	StatusStopped NetworkStatus = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

// String returns a human-readable status name.
func (s NetworkStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Stats aggregates the orchestrator's counters.
type Stats struct {
	PeersDiscovered  uint64
	DiscoveryRounds  uint64
	DiscoveryErrors  uint64
	BootstrapRetries uint64
	PeersExpired     uint64
	LastRound        time.Time
}

// PeerCallback observes peers as discovery finds them.
type PeerCallback func(cache.Peer)

// Discoverer is the peer-discovery orchestrator. It drives the DHT
// engine, feeds discovered peers into the peer cache, and surfaces
// lifecycle changes through the event bus.
type Discoverer struct {
	config *Config
	engine *dht.DHT
	peers  *cache.PeerCache
	bus    *event.Bus
	clk    clock.Clock

	mu       sync.RWMutex
	status   NetworkStatus
	running  bool
	retries  int
	watchers []chan NetworkStatus

	callbacksMu sync.RWMutex
	callbacks   []PeerCallback

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a discovery orchestrator over an engine, a peer cache and
// an event bus.
func New(config *Config, engine *dht.DHT, peers *cache.PeerCache, bus *event.Bus) (*Discoverer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, errors.New("nil DHT engine")
	}
	if peers == nil {
		return nil, errors.New("nil peer cache")
	}
	if bus == nil {
		return nil, errors.New("nil event bus")
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &Discoverer{
		config: config,
		engine: engine,
		peers:  peers,
		bus:    bus,
		clk:    config.Clock,
		status: StatusStopped,
	}, nil
}

// Start bootstraps from the given seed peers and launches the discovery
// loops. Calling Start on a running discoverer is a no-op.
func (d *Discoverer) Start(bootstrapPeers []cache.Peer) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.setStatus(StatusStarting)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"seeds":    len(bootstrapPeers),
	}).Info("Starting peer discovery")

	if err := d.bootstrap(bootstrapPeers); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Warn("Initial bootstrap incomplete")
		d.emitError("initial bootstrap incomplete", err, event.SeverityMedium, true)
	}

	if d.config.EnablePeriodicDiscovery {
		d.wg.Add(1)
		go d.discoveryLoop()
	}
	if d.config.EnableBootstrapRetry {
		d.wg.Add(1)
		go d.bootstrapRetryLoop()
	}
	d.wg.Add(1)
	go d.expiryLoop()

	d.setStatus(StatusRunning)
	_ = d.bus.Emit(event.DiscoveryStarted{BootstrapPeers: len(bootstrapPeers)})
	return nil
}

// Stop cancels the discovery loops. Stop is idempotent.
func (d *Discoverer) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	d.setStatus(StatusStopping)
	cancel()
	d.wg.Wait()
	d.setStatus(StatusStopped)

	_ = d.bus.Emit(event.DiscoveryStopped{Reason: "stopped"})

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Peer discovery stopped")
	return nil
}

// Status returns the current lifecycle state.
func (d *Discoverer) Status() NetworkStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// WatchStatus returns a channel receiving status transitions. A slow
// receiver misses intermediate transitions rather than blocking the
// orchestrator.
func (d *Discoverer) WatchStatus() <-chan NetworkStatus {
	ch := make(chan NetworkStatus, 8)

	d.mu.Lock()
	ch <- d.status
	d.watchers = append(d.watchers, ch)
	d.mu.Unlock()
	return ch
}

// OnPeerDiscovered registers a callback observing newly discovered peers.
func (d *Discoverer) OnPeerDiscovered(fn PeerCallback) {
	d.callbacksMu.Lock()
	defer d.callbacksMu.Unlock()
	d.callbacks = append(d.callbacks, fn)
}

// DiscoverPeers runs one manual discovery round: a lookup toward a random
// target, with every returned node converted to a peer and cached.
func (d *Discoverer) DiscoverPeers() ([]cache.Peer, error) {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}

	target, err := dht.NewRandomNodeID()
	if err != nil {
		return nil, fmt.Errorf("generating discovery target: %w", err)
	}

	result := d.engine.FindNode(target)

	found := make([]cache.Peer, 0, len(result.Nodes))
	for _, node := range result.Nodes {
		if len(found) == d.config.MaxPeersToDiscover {
			break
		}
		peer := PeerFromNode(node)
		if peer.LastSeen.IsZero() {
			peer.LastSeen = d.clk.Now()
		}
		d.AddDiscoveredPeer(peer)
		found = append(found, peer)
	}

	d.statsMu.Lock()
	d.stats.DiscoveryRounds++
	d.stats.LastRound = d.clk.Now()
	d.statsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "DiscoverPeers",
		"found":    len(found),
	}).Debug("Discovery round complete")

	return found, nil
}

// AddDiscoveredPeer merges one peer into the cache and forwards it to the
// DHT. New peers are announced through the event bus and callbacks.
func (d *Discoverer) AddDiscoveredPeer(peer cache.Peer) {
	if peer.LastSeen.IsZero() {
		peer.LastSeen = d.clk.Now()
	}
	isNew := !d.peers.Contains(peer.ID)

	if err := d.peers.Put(peer, cache.PriorityNormal); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddDiscoveredPeer",
			"peer_id":  peer.ID,
			"error":    err.Error(),
		}).Warn("Could not cache peer")
		return
	}

	if node, err := NodeFromPeer(peer); err == nil {
		d.engine.AddNode(node)
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "AddDiscoveredPeer",
			"peer_id":  peer.ID,
			"error":    err.Error(),
		}).Debug("Peer ID does not map to a node ID")
	}

	if !isNew {
		return
	}

	d.statsMu.Lock()
	d.stats.PeersDiscovered++
	d.statsMu.Unlock()

	_ = d.bus.Emit(event.PeerDiscovered{
		PeerID:  peer.ID,
		Address: peer.Address,
		Port:    peer.Port,
		Source:  "dht",
	})

	d.callbacksMu.RLock()
	callbacks := make([]PeerCallback, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.callbacksMu.RUnlock()
	for _, fn := range callbacks {
		fn(peer)
	}
}

// MarkPeerConnected flags a cached peer as connected and refreshes its
// recency.
func (d *Discoverer) MarkPeerConnected(peerID string) bool {
	entry, ok := d.peers.Get(peerID)
	if !ok {
		return false
	}
	peer := entry.Peer
	peer.Connected = true
	peer.LastSeen = d.clk.Now()
	if err := d.peers.Put(peer, entry.Priority); err != nil {
		return false
	}

	_ = d.bus.Emit(event.PeerConnected{PeerID: peerID})
	_ = d.bus.Emit(event.PeerStatusChanged{
		PeerID:   peerID,
		Previous: "disconnected",
		Current:  "connected",
	})
	return true
}

// MarkPeerDisconnected clears a cached peer's connected flag.
func (d *Discoverer) MarkPeerDisconnected(peerID string) bool {
	entry, ok := d.peers.Get(peerID)
	if !ok {
		return false
	}
	peer := entry.Peer
	peer.Connected = false
	if err := d.peers.Put(peer, entry.Priority); err != nil {
		return false
	}

	_ = d.bus.Emit(event.PeerDisconnected{PeerID: peerID, Reason: "disconnected"})
	_ = d.bus.Emit(event.PeerStatusChanged{
		PeerID:   peerID,
		Previous: "connected",
		Current:  "disconnected",
	})
	return true
}

// RemovePeer drops a peer from the cache and the routing table.
func (d *Discoverer) RemovePeer(peerID string) bool {
	removed := d.peers.Remove(peerID)
	if id, err := NodeIDForPeer(peerID); err == nil {
		d.engine.RemoveNode(id)
	}
	if removed {
		_ = d.bus.Emit(event.PeerLost{PeerID: peerID, Reason: "removed"})
	}
	return removed
}

// CachedPeers returns the orchestrator's current view of known peers.
func (d *Discoverer) CachedPeers() []cache.Peer {
	entries := d.peers.CachedPeers()
	out := make([]cache.Peer, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Peer)
	}
	return out
}

// DiscoveredPeers is an alias observable for the cached peer list.
func (d *Discoverer) DiscoveredPeers() []cache.Peer {
	return d.CachedPeers()
}

// ConnectedPeers returns the peers currently flagged connected.
func (d *Discoverer) ConnectedPeers() []cache.Peer {
	var out []cache.Peer
	for _, peer := range d.CachedPeers() {
		if peer.Connected {
			out = append(out, peer)
		}
	}
	return out
}

// ConnectionCount returns the number of connected peers.
func (d *Discoverer) ConnectionCount() int {
	return len(d.ConnectedPeers())
}

// Stats returns a snapshot of the orchestrator's counters.
func (d *Discoverer) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// bootstrap inserts seeds into the cache with the bootstrap flag and
// hands them to the DHT.
func (d *Discoverer) bootstrap(seeds []cache.Peer) error {
	if len(seeds) == 0 {
		return errors.New("no bootstrap peers available")
	}

	var nodes []*dht.Node
	for _, seed := range seeds {
		if seed.LastSeen.IsZero() {
			seed.LastSeen = d.clk.Now()
		}
		if err := d.peers.Put(seed, cache.PriorityHigh); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "bootstrap",
				"peer_id":  seed.ID,
				"error":    err.Error(),
			}).Warn("Could not cache bootstrap peer")
			continue
		}
		d.peers.MarkBootstrap(seed.ID)

		node, err := NodeFromPeer(seed)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "bootstrap",
				"peer_id":  seed.ID,
				"error":    err.Error(),
			}).Warn("Bootstrap peer ID is not a node ID")
			continue
		}
		nodes = append(nodes, node)
	}

	if len(nodes) == 0 {
		return errors.New("no bootstrap peer could be converted to a node")
	}
	return d.engine.Bootstrap(nodes)
}

// discoveryLoop runs periodic discovery rounds. Errors double the next
// delay up to a cap; the loop itself never terminates on error.
func (d *Discoverer) discoveryLoop() {
	defer d.wg.Done()

	delay := d.config.DiscoveryInterval
	maxDelay := 8 * d.config.DiscoveryInterval

	for {
		timer := d.clk.Timer(delay)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := d.DiscoverPeers(); err != nil {
			d.statsMu.Lock()
			d.stats.DiscoveryErrors++
			d.statsMu.Unlock()

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			d.emitError("periodic discovery failed", err, event.SeverityLow, true)

			logrus.WithFields(logrus.Fields{
				"function":   "discoveryLoop",
				"error":      err.Error(),
				"next_delay": delay.String(),
			}).Warn("Discovery round failed, backing off")
		} else {
			delay = d.config.DiscoveryInterval
		}
	}
}

// bootstrapRetryLoop re-bootstraps from cached bootstrap peers while the
// known peer count sits below the minimum-viable floor.
func (d *Discoverer) bootstrapRetryLoop() {
	defer d.wg.Done()

	ticker := d.clk.Ticker(d.config.BootstrapRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.maybeRetryBootstrap()
		}
	}
}

func (d *Discoverer) maybeRetryBootstrap() {
	known := d.peers.Len()
	if known >= minViablePeers {
		d.mu.Lock()
		d.retries = 0
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	if d.retries >= d.config.MaxBootstrapRetries {
		d.mu.Unlock()
		return
	}
	d.retries++
	attempt := d.retries
	d.mu.Unlock()

	d.statsMu.Lock()
	d.stats.BootstrapRetries++
	d.statsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "maybeRetryBootstrap",
		"known_peers": known,
		"attempt":     attempt,
	}).Info("Peer count below viable floor, re-bootstrapping")

	var seeds []cache.Peer
	for _, entry := range d.peers.BootstrapPeers() {
		seeds = append(seeds, entry.Peer)
	}
	if len(seeds) == 0 {
		d.emitError("no bootstrap peers cached for retry", nil, event.SeverityHigh, false)
		return
	}

	if err := d.bootstrap(seeds); err != nil {
		d.emitError("bootstrap retry failed", err, event.SeverityMedium, true)
	}
}

// expiryLoop sweeps peers whose last-seen has outlived the configured
// expiry, unless they are bootstrap seeds or currently connected.
func (d *Discoverer) expiryLoop() {
	defer d.wg.Done()

	ticker := d.clk.Ticker(d.config.PeerCacheExpiryTime / 4)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpiredPeers()
		}
	}
}

func (d *Discoverer) sweepExpiredPeers() {
	now := d.clk.Now()
	expired := 0

	for _, entry := range d.peers.CachedPeers() {
		if entry.Bootstrap || entry.Peer.Connected {
			continue
		}
		if now.Sub(entry.Peer.LastSeen) <= d.config.PeerCacheExpiryTime {
			continue
		}

		if !d.peers.Remove(entry.Peer.ID) {
			continue
		}
		if id, err := NodeIDForPeer(entry.Peer.ID); err == nil {
			d.engine.RemoveNode(id)
		}
		_ = d.bus.Emit(event.PeerLost{PeerID: entry.Peer.ID, Reason: "expired"})
		expired++
	}

	if expired > 0 {
		d.statsMu.Lock()
		d.stats.PeersExpired += uint64(expired)
		d.statsMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "sweepExpiredPeers",
			"expired":  expired,
		}).Debug("Expired stale peers")
	}
}

// setStatus transitions the lifecycle state and notifies watchers.
func (d *Discoverer) setStatus(status NetworkStatus) {
	d.mu.Lock()
	d.status = status
	watchers := make([]chan NetworkStatus, len(d.watchers))
	copy(watchers, d.watchers)
	d.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- status:
		default:
		}
	}
}

// emitError surfaces a nonfatal condition as a DiscoveryError event.
func (d *Discoverer) emitError(message string, cause error, severity event.Severity, recoverable bool) {
	_ = d.bus.Emit(event.DiscoveryError{
		Message:     message,
		Cause:       cause,
		Severity:    severity,
		Recoverable: recoverable,
	})
}
