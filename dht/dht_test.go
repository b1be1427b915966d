package dht

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meshNetwork simulates a fully connected network of engines in-process.
// Delivery is synchronous and reliable; individual links can be cut to
// simulate failures.
type meshNetwork struct {
	mu    sync.Mutex
	peers map[NodeID]*meshTransport
}

func newMeshNetwork() *meshNetwork {
	return &meshNetwork{peers: make(map[NodeID]*meshTransport)}
}

func (m *meshNetwork) transportFor(id NodeID, address string, port uint16) *meshTransport {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := &meshTransport{
		network: m,
		self:    NewNode(id, address, port),
	}
	m.peers[id] = tr
	return tr
}

func (m *meshNetwork) disconnect(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// meshTransport implements Transport over the in-process mesh.
type meshTransport struct {
	network *meshNetwork
	self    *Node

	mu      sync.Mutex
	handler MessageHandler
	sent    []*Message
}

func (t *meshTransport) Send(node *Node, msg *Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	t.network.mu.Lock()
	peer, ok := t.network.peers[node.ID]
	t.network.mu.Unlock()
	if !ok {
		return errors.New("unreachable node")
	}

	peer.mu.Lock()
	handler := peer.handler
	peer.mu.Unlock()
	if handler == nil {
		return errors.New("no handler registered")
	}
	return handler(msg, t.self)
}

func (t *meshTransport) RegisterHandler(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *meshTransport) Close() error { return nil }

func (t *meshTransport) sentMessages() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// testEngine spins up one engine on the mesh.
func testEngine(t *testing.T, net *meshNetwork, id NodeID, port uint16, k, alpha int) *DHT {
	t.Helper()

	config := DefaultConfig()
	config.NodeID = id
	config.K = k
	config.Alpha = alpha
	config.PingTimeout = 200 * time.Millisecond

	tr := net.transportFor(id, "127.0.0.1", port)
	engine, err := New(config, tr)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	t.Cleanup(func() { _ = engine.Stop() })
	return engine
}

func TestNewValidatesConfig(t *testing.T) {
	config := DefaultConfig()
	config.K = 0
	_, err := New(config, newMeshNetwork().transportFor(testID(0x01), "127.0.0.1", 1))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), nil)
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestNewGeneratesRandomIdentity(t *testing.T) {
	net := newMeshNetwork()
	engine, err := New(DefaultConfig(), net.transportFor(testID(0x01), "127.0.0.1", 1))
	require.NoError(t, err)
	assert.False(t, engine.SelfID().IsZero())
}

func TestPingUpdatesRoutingTable(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	ok := a.Ping(NewNode(b.SelfID(), "127.0.0.1", 9002))
	assert.True(t, ok)
	assert.True(t, a.routingTable.Contains(b.SelfID()))

	// B learned about A from the inbound ping.
	assert.True(t, b.routingTable.Contains(a.SelfID()))

	// Pinging an unreachable node fails without affecting the engine.
	ghost := NewNode(testID(0xee), "127.0.0.1", 9999)
	assert.False(t, a.Ping(ghost))
}

func TestStoreAndFindValueAcrossMesh(t *testing.T) {
	net := newMeshNetwork()

	// Five engines, k=2, alpha=2, fully meshed.
	ids := []NodeID{testID(0x11), testID(0x22), testID(0x33), testID(0x44), testID(0x55)}
	engines := make([]*DHT, len(ids))
	for i, id := range ids {
		engines[i] = testEngine(t, net, id, uint16(9100+i), 2, 2)
	}
	for i, e := range engines {
		for j, other := range engines {
			if i == j {
				continue
			}
			e.AddNode(NewNode(other.SelfID(), "127.0.0.1", uint16(9100+j)))
		}
	}

	require.True(t, engines[0].Store("greeting", []byte("hello mesh")))

	// The key is replicated to at least one node closest to its hash.
	keyID := HashKey("greeting")
	closest := engines[0].ClosestNodes(keyID, 2)
	require.NotEmpty(t, closest)
	replicated := 0
	for _, e := range engines[1:] {
		e.mu.RLock()
		_, ok := e.store["greeting"]
		e.mu.RUnlock()
		if ok {
			replicated++
		}
	}
	assert.GreaterOrEqual(t, replicated, 1)

	// Another engine finds the value through the overlay.
	result := engines[1].FindValue("greeting")
	require.True(t, result.Found)
	assert.Equal(t, []byte("hello mesh"), result.Value)

	// Lookups for absent keys report NotFound without error.
	missing := engines[2].FindValue("no-such-key")
	assert.False(t, missing.Found)
	assert.Nil(t, missing.Value)
}

func TestFindValueLocalShortCircuit(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)

	a.Store("local", []byte("v"))
	result := a.FindValue("local")
	require.True(t, result.Found)
	assert.Equal(t, []byte("v"), result.Value)
}

func TestFindNodeConvergence(t *testing.T) {
	net := newMeshNetwork()

	engines := make([]*DHT, 8)
	for i := range engines {
		engines[i] = testEngine(t, net, testID(0x10+byte(i*7), byte(i)), uint16(9200+i), 4, 2)
	}
	// A only knows the first two others; the rest are reachable through
	// iterative lookup.
	a := engines[0]
	a.AddNode(NewNode(engines[1].SelfID(), "127.0.0.1", 9201))
	a.AddNode(NewNode(engines[2].SelfID(), "127.0.0.1", 9202))
	for i := 1; i < len(engines); i++ {
		for j := 1; j < len(engines); j++ {
			if i == j {
				continue
			}
			engines[i].AddNode(NewNode(engines[j].SelfID(), "127.0.0.1", uint16(9200+j)))
		}
	}

	target := engines[7].SelfID()
	result := a.FindNode(target)

	require.NotEmpty(t, result.Nodes)
	assert.LessOrEqual(t, len(result.Nodes), 4)

	// Monotone improvement: the best result is at least as close to the
	// target as anything A started with.
	startBest := a.ClosestNodes(target, 1)
	require.NotEmpty(t, startBest)
	best := result.Nodes[0].Distance(target)
	assert.False(t, startBest[0].Distance(target).Less(best))

	// Ascending distance order.
	for i := 1; i < len(result.Nodes); i++ {
		prev := result.Nodes[i-1].Distance(target)
		assert.False(t, result.Nodes[i].Distance(target).Less(prev))
	}
}

func TestLookupSurvivesUnreachableArms(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	a.AddNode(NewNode(b.SelfID(), "127.0.0.1", 9002))
	// A dead node in the table fails its arm but not the lookup.
	a.AddNode(NewNode(testID(0xdd), "127.0.0.1", 9999))

	result := a.FindNode(testID(0x0c))
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Nodes)
}

func TestBootstrap(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)
	c := testEngine(t, net, testID(0x0c), 9003, 20, 3)

	b.AddNode(NewNode(c.SelfID(), "127.0.0.1", 9003))

	seeds := []*Node{NewNode(b.SelfID(), "127.0.0.1", 9002)}
	require.NoError(t, a.Bootstrap(seeds))

	// The self-lookup walked B's table and found C.
	assert.True(t, a.routingTable.Contains(b.SelfID()))
	assert.True(t, a.routingTable.Contains(c.SelfID()))

	require.Error(t, a.Bootstrap(nil))
}

func TestRequestCorrelationLeavesNoPendingWaiters(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	bNode := NewNode(b.SelfID(), "127.0.0.1", 9002)
	ghost := NewNode(testID(0xee), "127.0.0.1", 9999)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%3 == 0 {
				a.Ping(ghost)
			} else {
				a.Ping(bNode)
			}
		}(i)
	}
	wg.Wait()

	// Every waiter completed exactly once and was removed.
	assert.Equal(t, 0, a.PendingRequests())
}

func TestDuplicateResponsesAreHarmless(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	require.True(t, a.Ping(NewNode(b.SelfID(), "127.0.0.1", 9002)))

	// Replay B's responses at A: unknown request IDs are ignored.
	for _, msg := range net.peers[b.SelfID()].sentMessages() {
		if msg.IsResponse {
			require.NoError(t, a.handleMessage(msg, NewNode(b.SelfID(), "127.0.0.1", 9002)))
		}
	}
	assert.Equal(t, 0, a.PendingRequests())
}

func TestInboundStoreAndFindValueHandling(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	a.AddNode(NewNode(b.SelfID(), "127.0.0.1", 9002))
	require.True(t, a.Store("k", []byte("v")))

	// B holds the replica and serves it over find_value.
	result := b.FindValue("k")
	require.True(t, result.Found)
	assert.Equal(t, []byte("v"), result.Value)
}

func TestMessageObserverSeesInboundTraffic(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	var mu sync.Mutex
	var seen []MessageType
	b.RegisterMessageHandler(func(msg *Message, from *Node) error {
		mu.Lock()
		seen = append(seen, msg.Type)
		mu.Unlock()
		return nil
	})
	// A failing observer must not affect processing.
	b.RegisterMessageHandler(func(msg *Message, from *Node) error {
		return fmt.Errorf("observer failure")
	})

	require.True(t, a.Ping(NewNode(b.SelfID(), "127.0.0.1", 9002)))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, MessagePing, seen[0])
}

func TestRepublishDropsExpiredValues(t *testing.T) {
	net := newMeshNetwork()

	config := DefaultConfig()
	config.NodeID = testID(0x0a)
	config.ExpireInterval = time.Hour
	tr := net.transportFor(config.NodeID, "127.0.0.1", 9001)
	engine, err := New(config, tr)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	defer engine.Stop()

	engine.Store("fresh", []byte("a"))

	// Age one value beyond the expiry interval.
	engine.mu.Lock()
	engine.store["stale"] = storedValue{
		data:     []byte("b"),
		storedAt: engine.clk.Now().Add(-2 * time.Hour),
	}
	engine.mu.Unlock()

	engine.republishValues()

	engine.mu.RLock()
	_, fresh := engine.store["fresh"]
	_, stale := engine.store["stale"]
	engine.mu.RUnlock()
	assert.True(t, fresh)
	assert.False(t, stale)
}

func TestRefreshBucketsQueriesStaleRanges(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	a.AddNode(NewNode(b.SelfID(), "127.0.0.1", 9002))

	// Backdate B's entry so its bucket is due.
	a.routingTable.mu.Lock()
	for _, bucket := range a.routingTable.buckets {
		for _, n := range bucket.nodes {
			n.LastSeen = n.LastSeen.Add(-2 * a.config.BucketRefreshInterval)
		}
	}
	a.routingTable.mu.Unlock()

	before := a.Stats().FindNodeCount
	a.RefreshBuckets()
	assert.Greater(t, a.Stats().FindNodeCount, before)
}

func TestStopIsIdempotentAndFailsWaiters(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Equal(t, 0, a.PendingRequests())

	// Operations after shutdown fail cleanly.
	assert.False(t, a.Ping(NewNode(testID(0x0b), "127.0.0.1", 9002)))

	// Start/Stop cycles do not error.
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())
}

func TestStatsTrackOperations(t *testing.T) {
	net := newMeshNetwork()
	a := testEngine(t, net, testID(0x0a), 9001, 20, 3)
	b := testEngine(t, net, testID(0x0b), 9002, 20, 3)

	a.Ping(NewNode(b.SelfID(), "127.0.0.1", 9002))
	a.Store("k", []byte("v"))
	a.FindValue("k")
	a.FindNode(testID(0x0c))

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.PingCount)
	assert.GreaterOrEqual(t, stats.StoreCount, uint64(1))
	assert.Equal(t, uint64(1), stats.FindValueCount)
	assert.Equal(t, uint64(1), stats.FindNodeCount)
	assert.Greater(t, stats.MessagesSent, uint64(0))
}
