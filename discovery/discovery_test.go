package discovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadmesh/cache"
	"github.com/opd-ai/kadmesh/dht"
	"github.com/opd-ai/kadmesh/event"
)

// sinkTransport drops every outbound message. Lookup arms fail fast, so
// tests exercise orchestration without a live overlay.
type sinkTransport struct {
	mu      sync.Mutex
	handler dht.MessageHandler
	sent    int
}

func (t *sinkTransport) Send(node *dht.Node, msg *dht.Message) error {
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	return errors.New("sink transport")
}

func (t *sinkTransport) RegisterHandler(h dht.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *sinkTransport) Close() error { return nil }

func (t *sinkTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

type fixture struct {
	disc   *Discoverer
	engine *dht.DHT
	peers  *cache.PeerCache
	bus    *event.Bus
	clk    *clock.Mock
	tr     *sinkTransport
}

func newFixture(t *testing.T, config *Config) *fixture {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	dhtConfig := dht.DefaultConfig()
	dhtConfig.NodeID = dht.HashKey("local-node")
	dhtConfig.PingTimeout = 50 * time.Millisecond
	tr := &sinkTransport{}
	engine, err := dht.New(dhtConfig, tr)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	t.Cleanup(func() { _ = engine.Stop() })

	cacheConfig := cache.DefaultConfig()
	cacheConfig.Clock = clk
	peers, err := cache.New(cacheConfig)
	require.NoError(t, err)
	t.Cleanup(peers.Close)

	bus := event.NewBus(clk)
	t.Cleanup(bus.Shutdown)

	if config == nil {
		config = DefaultConfig()
	}
	config.Clock = clk
	disc, err := New(config, engine, peers, bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disc.Stop() })

	return &fixture{disc: disc, engine: engine, peers: peers, bus: bus, clk: clk, tr: tr}
}

// seedPeer builds a peer whose ID is a valid hex node ID.
func seedPeer(name string, port uint16) cache.Peer {
	return cache.Peer{
		ID:      PeerIDForNode(dht.HashKey(name)),
		Address: "10.0.0.1",
		Port:    port,
	}
}

func TestPeerNodeMappingRoundTrip(t *testing.T) {
	id := dht.HashKey("some-node")
	peerID := PeerIDForNode(id)

	parsed, err := NodeIDForPeer(peerID)
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	_, err = NodeIDForPeer("not a node id")
	assert.Error(t, err)

	node := dht.NewNode(id, "10.0.0.9", 7000)
	node.LastSeen = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	peer := PeerFromNode(node)
	assert.Equal(t, peerID, peer.ID)
	assert.Equal(t, node.LastSeen, peer.LastSeen)

	back, err := NodeFromPeer(peer)
	require.NoError(t, err)
	assert.True(t, node.ID.Equal(back.ID))
	assert.Equal(t, node.Port, back.Port)
}

func TestConfigValidation(t *testing.T) {
	config := DefaultConfig()
	config.DiscoveryInterval = 0
	f := newFixtureComponents(t)
	_, err := New(config, f.engine, f.peers, f.bus)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), nil, f.peers, f.bus)
	require.Error(t, err)
}

// newFixtureComponents builds only the collaborators, for constructor
// error tests.
func newFixtureComponents(t *testing.T) *fixture {
	t.Helper()

	dhtConfig := dht.DefaultConfig()
	engine, err := dht.New(dhtConfig, &sinkTransport{})
	require.NoError(t, err)

	peers, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(peers.Close)

	bus := event.NewBus(nil)
	t.Cleanup(bus.Shutdown)

	return &fixture{engine: engine, peers: peers, bus: bus}
}

func TestStartFlagsBootstrapPeersAndSeedsDHT(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	f := newFixture(t, config)

	seeds := []cache.Peer{seedPeer("seed-1", 9001), seedPeer("seed-2", 9002)}
	require.NoError(t, f.disc.Start(seeds))
	assert.Equal(t, StatusRunning, f.disc.Status())

	// Seeds are cached with the bootstrap flag.
	boots := f.peers.BootstrapPeers()
	assert.Len(t, boots, 2)
	for _, entry := range boots {
		assert.True(t, entry.Bootstrap)
	}

	// Seeds were handed to the DHT routing table.
	assert.Equal(t, 2, f.engine.RoutingTableSize())

	// Start is idempotent.
	require.NoError(t, f.disc.Start(seeds))
}

func TestStopIsIdempotentAndTransitionsStatus(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	f := newFixture(t, config)

	statusCh := f.disc.WatchStatus()
	assert.Equal(t, StatusStopped, <-statusCh)

	require.NoError(t, f.disc.Start([]cache.Peer{seedPeer("seed", 9001)}))
	require.NoError(t, f.disc.Stop())
	require.NoError(t, f.disc.Stop())
	assert.Equal(t, StatusStopped, f.disc.Status())
}

func TestAddDiscoveredPeerEmitsOnceAndForwardsToDHT(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	f := newFixture(t, config)
	require.NoError(t, f.disc.Start([]cache.Peer{seedPeer("seed", 9001)}))

	var mu sync.Mutex
	var observed []cache.Peer
	f.disc.OnPeerDiscovered(func(p cache.Peer) {
		mu.Lock()
		observed = append(observed, p)
		mu.Unlock()
	})

	peer := seedPeer("fresh-peer", 9100)
	f.disc.AddDiscoveredPeer(peer)
	f.disc.AddDiscoveredPeer(peer) // duplicate: refresh, no re-announce

	mu.Lock()
	assert.Len(t, observed, 1)
	mu.Unlock()

	assert.Equal(t, uint64(1), f.disc.Stats().PeersDiscovered)
	assert.True(t, f.peers.Contains(peer.ID))

	id, err := NodeIDForPeer(peer.ID)
	require.NoError(t, err)
	assert.Contains(t, nodeIDs(f.engine.DiscoveredNodes()), id)

	// The discovery event reached the bus history.
	require.Eventually(t, func() bool {
		return len(f.bus.History(event.HistoryFilter{Type: event.TypePeerDiscovered})) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func nodeIDs(nodes []*dht.Node) []dht.NodeID {
	out := make([]dht.NodeID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestMarkConnectedAndDisconnected(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	f := newFixture(t, config)
	require.NoError(t, f.disc.Start([]cache.Peer{seedPeer("seed", 9001)}))

	peer := seedPeer("p", 9100)
	f.disc.AddDiscoveredPeer(peer)

	require.True(t, f.disc.MarkPeerConnected(peer.ID))
	assert.Equal(t, 1, f.disc.ConnectionCount())
	connected := f.disc.ConnectedPeers()
	require.Len(t, connected, 1)
	assert.Equal(t, peer.ID, connected[0].ID)

	require.True(t, f.disc.MarkPeerDisconnected(peer.ID))
	assert.Equal(t, 0, f.disc.ConnectionCount())

	assert.False(t, f.disc.MarkPeerConnected("unknown"))
}

func TestRemovePeerDropsCacheAndRoutingTable(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	f := newFixture(t, config)
	require.NoError(t, f.disc.Start([]cache.Peer{seedPeer("seed", 9001)}))

	peer := seedPeer("p", 9100)
	f.disc.AddDiscoveredPeer(peer)
	before := f.engine.RoutingTableSize()

	require.True(t, f.disc.RemovePeer(peer.ID))
	assert.False(t, f.peers.Contains(peer.ID))
	assert.Equal(t, before-1, f.engine.RoutingTableSize())
	assert.False(t, f.disc.RemovePeer(peer.ID))
}

func TestDiscoverPeersRequiresRunning(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	f := newFixture(t, config)

	_, err := f.disc.DiscoverPeers()
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, f.disc.Start([]cache.Peer{seedPeer("seed", 9001)}))
	peers, err := f.disc.DiscoverPeers()
	require.NoError(t, err)
	// The sink transport answers nothing; the round completes with
	// whatever the routing table already held.
	assert.LessOrEqual(t, len(peers), f.disc.config.MaxPeersToDiscover)
	assert.Equal(t, uint64(1), f.disc.Stats().DiscoveryRounds)
}

func TestExpirySweepDropsStalePeers(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	config.PeerCacheExpiryTime = time.Hour
	f := newFixture(t, config)
	require.NoError(t, f.disc.Start([]cache.Peer{seedPeer("seed", 9001)}))

	stale := seedPeer("stale", 9100)
	connected := seedPeer("connected", 9101)
	f.disc.AddDiscoveredPeer(stale)
	f.disc.AddDiscoveredPeer(connected)
	require.True(t, f.disc.MarkPeerConnected(connected.ID))

	// Everything ages past the expiry window. The connected peer and
	// the bootstrap seed are exempt from expiry.
	f.clk.Add(2 * time.Hour)
	f.disc.sweepExpiredPeers()

	assert.False(t, f.peers.Contains(stale.ID), "stale peer expires")
	assert.True(t, f.peers.Contains(connected.ID), "connected peer survives")
	assert.True(t, f.peers.Contains(seedPeer("seed", 9001).ID), "bootstrap peer survives")

	lost := f.bus.History(event.HistoryFilter{Type: event.TypePeerLost})
	require.Len(t, lost, 1)
	assert.Equal(t, stale.ID, lost[0].Payload.(event.PeerLost).PeerID)

	assert.Equal(t, uint64(1), f.disc.Stats().PeersExpired)
}

func TestBootstrapRetryWhenBelowViableFloor(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	config.MaxBootstrapRetries = 2
	f := newFixture(t, config)
	require.NoError(t, f.disc.Start([]cache.Peer{seedPeer("seed", 9001)}))

	// One known peer < floor of five: retry fires.
	f.disc.maybeRetryBootstrap()
	assert.Equal(t, uint64(1), f.disc.Stats().BootstrapRetries)

	f.disc.maybeRetryBootstrap()
	assert.Equal(t, uint64(2), f.disc.Stats().BootstrapRetries)

	// The retry budget is exhausted.
	f.disc.maybeRetryBootstrap()
	assert.Equal(t, uint64(2), f.disc.Stats().BootstrapRetries)

	// A healthy peer count resets the budget.
	for i := 0; i < 6; i++ {
		f.disc.AddDiscoveredPeer(seedPeer(string(rune('a'+i)), uint16(9200+i)))
	}
	f.disc.maybeRetryBootstrap()
	assert.Equal(t, uint64(2), f.disc.Stats().BootstrapRetries)

	f.disc.mu.RLock()
	retries := f.disc.retries
	f.disc.mu.RUnlock()
	assert.Equal(t, 0, retries)
}

func TestMergePeerLists(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := []cache.Peer{
		{ID: "p1", Address: "10.0.0.1", LastSeen: t0},
		{ID: "p2", Address: "10.0.0.2", LastSeen: t0.Add(2 * time.Hour)},
	}
	b := []cache.Peer{
		{ID: "p1", Address: "10.9.9.9", LastSeen: t0.Add(time.Hour)}, // fresher p1
		{ID: "p3", Address: "10.0.0.3", LastSeen: t0.Add(30 * time.Minute)},
	}

	merged := MergePeerLists(a, b)
	require.Len(t, merged, 3)

	// Sorted by descending last-seen.
	assert.Equal(t, "p2", merged[0].ID)
	assert.Equal(t, "p1", merged[1].ID)
	assert.Equal(t, "p3", merged[2].ID)

	// The fresher duplicate won.
	assert.Equal(t, "10.9.9.9", merged[1].Address)
}

func TestDiscoveryErrorsSurfaceAsEvents(t *testing.T) {
	config := DefaultConfig()
	config.EnablePeriodicDiscovery = false
	config.EnableBootstrapRetry = false
	f := newFixture(t, config)

	// A peer whose ID is not hex cannot reach the DHT; bootstrap with
	// only such seeds reports a recoverable error event.
	require.NoError(t, f.disc.Start([]cache.Peer{{ID: "not-hex", Address: "10.0.0.1", Port: 1}}))

	require.Eventually(t, func() bool {
		return len(f.bus.History(event.HistoryFilter{Type: event.TypeDiscoveryError})) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusRunning, f.disc.Status(), "bootstrap trouble does not kill the orchestrator")
}
