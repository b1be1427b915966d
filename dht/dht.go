package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var (
	// ErrShutdown is returned to waiters when the engine stops while
	// their request is in flight.
	ErrShutdown = errors.New("dht engine shut down")

	// ErrTimeout is returned when a request exceeds the ping timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrNoTransport is returned when the engine is built without a
	// transport.
	ErrNoTransport = errors.New("no transport configured")
)

// LookupResult is the outcome of a find_node or find_value operation.
type LookupResult struct {
	Nodes []*Node
	Value []byte
	Found bool
}

// Stats aggregates the engine's operation counters.
type Stats struct {
	StoreCount       uint64
	FindValueCount   uint64
	FindNodeCount    uint64
	PingCount        uint64
	MessagesSent     uint64
	MessagesReceived uint64
	RequestsTimedOut uint64
	TransportErrors  uint64
	AverageLatency   time.Duration
}

// storedValue is a locally held DHT value with its store timestamp.
type storedValue struct {
	data     []byte
	storedAt time.Time
}

// requestOutcome is what a pending waiter receives: a response or an error.
type requestOutcome struct {
	msg *Message
	err error
}

// pendingRequest is a one-shot waiter for an outbound request. complete
// may be called from the response path, the timeout path and the shutdown
// path; only the first call has any effect.
type pendingRequest struct {
	ch     chan requestOutcome
	once   sync.Once
	sentAt time.Time
}

func newPendingRequest(sentAt time.Time) *pendingRequest {
	return &pendingRequest{
		ch:     make(chan requestOutcome, 1),
		sentAt: sentAt,
	}
}

// complete delivers the outcome exactly once. Later calls are no-ops.
func (pr *pendingRequest) complete(msg *Message, err error) {
	pr.once.Do(func() {
		pr.ch <- requestOutcome{msg: msg, err: err}
	})
}

// DHT is the engine driving the Kademlia overlay: it owns the routing
// table, the local key/value store, the pending-request map and the
// maintenance loops.
type DHT struct {
	config       *Config
	selfID       NodeID
	routingTable *RoutingTable
	transport    Transport
	clk          clock.Clock

	mu      sync.RWMutex
	store   map[string]storedValue
	pending map[string]*pendingRequest
	running bool

	handlersMu sync.RWMutex
	handlers   []MessageHandler

	statsMu      sync.Mutex
	stats        Stats
	latencyTotal time.Duration
	latencyCount uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a DHT engine over the given transport. A nil config gets
// defaults; a zero NodeID gets a random identity.
func New(config *Config, transport Transport) (*DHT, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNoTransport
	}

	if config.NodeID.IsZero() {
		id, err := NewRandomNodeID()
		if err != nil {
			return nil, err
		}
		config.NodeID = id
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	d := &DHT{
		config:       config,
		selfID:       config.NodeID,
		routingTable: NewRoutingTable(config.NodeID, config.K, config.Clock),
		transport:    transport,
		clk:          config.Clock,
		store:        make(map[string]storedValue),
		pending:      make(map[string]*pendingRequest),
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"node_id":  d.selfID.String(),
		"k":        config.K,
		"alpha":    config.Alpha,
	}).Info("DHT engine created")

	return d, nil
}

// SelfID returns the local node's identity.
func (d *DHT) SelfID() NodeID {
	return d.selfID
}

// Start registers the inbound handler and launches the maintenance loops.
// Calling Start on a running engine is a no-op.
func (d *DHT) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.transport.RegisterHandler(d.handleMessage)

	d.wg.Add(3)
	go d.refreshLoop()
	go d.republishLoop()
	go d.pendingExpiryLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"node_id":  d.selfID.String(),
	}).Info("DHT engine started")

	return nil
}

// Stop cancels the maintenance loops and fails all pending waiters.
// Stop is idempotent.
func (d *DHT) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	// Complete every in-flight waiter with a cancellation error.
	d.mu.Lock()
	for id, pr := range d.pending {
		pr.complete(nil, ErrShutdown)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"node_id":  d.selfID.String(),
	}).Info("DHT engine stopped")

	return nil
}

// isRunning reports whether Start has been called without a matching Stop.
func (d *DHT) isRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Store writes the value locally and replicates it to up to k nodes
// closest to the key's position in the keyspace. Returns true if the
// value was stored locally or at least one remote acknowledged it.
func (d *DHT) Store(key string, value []byte) bool {
	d.countOp(func(s *Stats) { s.StoreCount++ })

	now := d.clk.Now()
	d.mu.Lock()
	d.store[key] = storedValue{data: value, storedAt: now}
	d.mu.Unlock()

	keyID := HashKey(key)
	targets := d.routingTable.FindClosestNodes(keyID, d.config.K)

	logrus.WithFields(logrus.Fields{
		"function": "Store",
		"key":      key,
		"targets":  len(targets),
	}).Debug("Replicating value")

	var wg sync.WaitGroup
	acks := make(chan struct{}, len(targets))
	for _, target := range targets {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			msg := &Message{
				Type:      MessageStore,
				RequestID: newRequestID(),
				SourceID:  d.selfID,
				TargetID:  keyID,
				Key:       key,
				Value:     value,
			}
			if _, err := d.sendRequest(n, msg); err == nil {
				acks <- struct{}{}
			}
		}(target)
	}
	wg.Wait()
	close(acks)

	remoteAcks := len(acks)
	logrus.WithFields(logrus.Fields{
		"function":    "Store",
		"key":         key,
		"remote_acks": remoteAcks,
	}).Debug("Store complete")

	// The local write always succeeds.
	return true
}

// FindValue looks up a key, short-circuiting on a local hit and falling
// back to an iterative lookup. A missing key is not an error; it is
// reported as Found=false.
func (d *DHT) FindValue(key string) *LookupResult {
	d.countOp(func(s *Stats) { s.FindValueCount++ })

	d.mu.RLock()
	if sv, ok := d.store[key]; ok {
		d.mu.RUnlock()
		return &LookupResult{Value: sv.data, Found: true}
	}
	d.mu.RUnlock()

	return d.iterativeLookup(HashKey(key), key)
}

// FindNode performs an iterative lookup for the target ID and returns up
// to k closest nodes in ascending distance order.
func (d *DHT) FindNode(target NodeID) *LookupResult {
	d.countOp(func(s *Stats) { s.FindNodeCount++ })
	return d.iterativeLookup(target, "")
}

// Ping sends a one-shot request to the node, bounded by the ping timeout.
// A successful response refreshes the node's recency in the routing table.
func (d *DHT) Ping(node *Node) bool {
	d.countOp(func(s *Stats) { s.PingCount++ })

	msg := &Message{
		Type:      MessagePing,
		RequestID: newRequestID(),
		SourceID:  d.selfID,
		TargetID:  node.ID,
	}

	if _, err := d.sendRequest(node, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Ping",
			"node_id":  node.ID.String(),
			"error":    err.Error(),
		}).Debug("Ping failed")
		return false
	}

	if !d.routingTable.UpdateLastSeen(node.ID) {
		node.Update(d.clk.Now(), StatusGood)
		d.routingTable.AddNode(node)
	}
	return true
}

// AddNode inserts a node into the routing table.
func (d *DHT) AddNode(node *Node) bool {
	return d.routingTable.AddNode(node)
}

// RemoveNode removes a node from the routing table by ID.
func (d *DHT) RemoveNode(id NodeID) bool {
	return d.routingTable.RemoveNode(id)
}

// ClosestNodes returns up to count nodes closest to the key.
func (d *DHT) ClosestNodes(key NodeID, count int) []*Node {
	return d.routingTable.FindClosestNodes(key, count)
}

// Bootstrap seeds the routing table and issues a lookup for the local ID
// to populate the surrounding buckets.
func (d *DHT) Bootstrap(seeds []*Node) error {
	if len(seeds) == 0 {
		return errors.New("no bootstrap nodes available")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"seeds":    len(seeds),
	}).Info("Bootstrapping DHT")

	added := 0
	for _, seed := range seeds {
		if d.routingTable.AddNode(seed) {
			added++
		}
	}

	d.FindNode(d.selfID)

	if added == 0 && d.routingTable.Size() == 0 {
		return fmt.Errorf("bootstrap failed: no seed could be added")
	}
	return nil
}

// RefreshBuckets issues a find_node for a synthetic ID inside every
// bucket that has gone stale.
func (d *DHT) RefreshBuckets() {
	due := d.routingTable.BucketsNeedingRefresh(d.config.BucketRefreshInterval)
	if len(due) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "RefreshBuckets",
		"buckets":  len(due),
	}).Debug("Refreshing stale buckets")

	for _, idx := range due {
		target, err := RandomIDInBucket(d.selfID, idx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RefreshBuckets",
				"bucket":   idx,
				"error":    err.Error(),
			}).Warn("Could not build refresh target")
			continue
		}
		d.FindNode(target)
	}
}

// SendMessage delivers a message to a node through the transport.
func (d *DHT) SendMessage(node *Node, msg *Message) bool {
	if err := d.transport.Send(node, msg); err != nil {
		d.countOp(func(s *Stats) { s.TransportErrors++ })
		return false
	}
	d.countOp(func(s *Stats) { s.MessagesSent++ })
	return true
}

// RegisterMessageHandler adds an observer invoked for every inbound
// message after the engine has processed it.
func (d *DHT) RegisterMessageHandler(h MessageHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers = append(d.handlers, h)
}

// RoutingTableSize returns the number of nodes currently known.
func (d *DHT) RoutingTableSize() int {
	return d.routingTable.Size()
}

// DiscoveredNodes returns every node in the routing table.
func (d *DHT) DiscoveredNodes() []*Node {
	return d.routingTable.AllNodes()
}

// PendingRequests returns the number of in-flight request waiters.
func (d *DHT) PendingRequests() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Stats returns a snapshot of the engine's counters.
func (d *DHT) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	snapshot := d.stats
	if d.latencyCount > 0 {
		snapshot.AverageLatency = d.latencyTotal / time.Duration(d.latencyCount)
	}
	return snapshot
}

// countOp applies a mutation to the stats under the stats lock.
func (d *DHT) countOp(fn func(*Stats)) {
	d.statsMu.Lock()
	fn(&d.stats)
	d.statsMu.Unlock()
}

// recordLatency feeds one request round-trip into the running average.
func (d *DHT) recordLatency(rtt time.Duration) {
	d.statsMu.Lock()
	d.latencyTotal += rtt
	d.latencyCount++
	d.statsMu.Unlock()
}

// sendRequest sends a request and blocks until its correlated response,
// a timeout, or engine shutdown. The pending-map entry is removed before
// returning, whatever the outcome.
func (d *DHT) sendRequest(node *Node, msg *Message) (*Message, error) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, ErrShutdown
	}
	ctx := d.ctx
	pr := newPendingRequest(d.clk.Now())
	d.pending[msg.RequestID] = pr
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, msg.RequestID)
		d.mu.Unlock()
	}()

	var sendErr error
	for attempt := 0; attempt < d.config.MaxRetries; attempt++ {
		if sendErr = d.transport.Send(node, msg); sendErr == nil {
			break
		}
	}
	if sendErr != nil {
		d.countOp(func(s *Stats) { s.TransportErrors++ })
		pr.complete(nil, sendErr)
	} else {
		d.countOp(func(s *Stats) { s.MessagesSent++ })
	}

	timer := d.clk.Timer(d.config.PingTimeout)
	defer timer.Stop()

	select {
	case outcome := <-pr.ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		d.recordLatency(d.clk.Now().Sub(pr.sentAt))
		return outcome.msg, nil
	case <-timer.C:
		d.countOp(func(s *Stats) { s.RequestsTimedOut++ })
		pr.complete(nil, ErrTimeout)
		outcome := <-pr.ch
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.msg, nil
	case <-ctx.Done():
		pr.complete(nil, ErrShutdown)
		outcome := <-pr.ch
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.msg, nil
	}
}

// handleMessage is the single inbound entry point registered with the
// transport. Every source is offered to the routing table; responses
// complete their waiter, requests are answered in place.
func (d *DHT) handleMessage(msg *Message, from *Node) error {
	d.countOp(func(s *Stats) { s.MessagesReceived++ })

	source := NewNode(msg.SourceID, from.Address, from.Port)
	source.Update(d.clk.Now(), StatusGood)
	if !d.routingTable.UpdateLastSeen(msg.SourceID) {
		d.routingTable.AddNode(source)
	}

	var err error
	if msg.IsResponse {
		d.completePending(msg)
	} else {
		err = d.dispatchRequest(msg, source)
	}

	d.notifyHandlers(msg, source)
	return err
}

// completePending hands a response to its waiter. An unknown or already
// completed request ID is ignored; duplicate responses are harmless.
func (d *DHT) completePending(msg *Message) {
	d.mu.RLock()
	pr, ok := d.pending[msg.RequestID]
	d.mu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "completePending",
			"request_id": msg.RequestID,
		}).Debug("Response for unknown request")
		return
	}
	pr.complete(msg, nil)
}

// dispatchRequest answers an inbound request according to its type.
func (d *DHT) dispatchRequest(msg *Message, from *Node) error {
	switch msg.Type {
	case MessagePing:
		return d.replyTo(from, msg.response(d.selfID))

	case MessageFindNode:
		resp := msg.response(d.selfID)
		resp.Nodes = nodeInfos(d.routingTable.FindClosestNodes(msg.TargetID, d.config.K))
		return d.replyTo(from, resp)

	case MessageFindValue:
		resp := msg.response(d.selfID)
		resp.Key = msg.Key
		d.mu.RLock()
		sv, ok := d.store[msg.Key]
		d.mu.RUnlock()
		if ok {
			resp.Value = sv.data
		} else {
			resp.Nodes = nodeInfos(d.routingTable.FindClosestNodes(msg.TargetID, d.config.K))
		}
		return d.replyTo(from, resp)

	case MessageStore:
		d.mu.Lock()
		d.store[msg.Key] = storedValue{data: msg.Value, storedAt: d.clk.Now()}
		d.mu.Unlock()
		resp := msg.response(d.selfID)
		resp.Key = msg.Key
		return d.replyTo(from, resp)

	default:
		return fmt.Errorf("unsupported message type: %d", msg.Type)
	}
}

// replyTo sends a response back through the transport.
func (d *DHT) replyTo(node *Node, resp *Message) error {
	if err := d.transport.Send(node, resp); err != nil {
		d.countOp(func(s *Stats) { s.TransportErrors++ })
		return err
	}
	d.countOp(func(s *Stats) { s.MessagesSent++ })
	return nil
}

// notifyHandlers invokes registered observers. Observer errors are logged
// and swallowed; an observer cannot fail message processing.
func (d *DHT) notifyHandlers(msg *Message, from *Node) {
	d.handlersMu.RLock()
	observers := make([]MessageHandler, len(d.handlers))
	copy(observers, d.handlers)
	d.handlersMu.RUnlock()

	for _, h := range observers {
		if err := h(msg, from); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "notifyHandlers",
				"type":     msg.Type.String(),
				"error":    err.Error(),
			}).Warn("Message observer failed")
		}
	}
}

// nodeInfos converts node records into their wire form.
func nodeInfos(nodes []*Node) []NodeInfo {
	infos := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, n.Info())
	}
	return infos
}
