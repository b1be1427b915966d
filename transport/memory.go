// Package transport provides reference implementations of the DHT
// transport boundary.
//
// The production transport is supplied by the embedding application; this
// package ships an in-memory implementation that connects engines inside
// one process. It is used by the test suites and by simulations, and
// doubles as documentation of the Transport contract: delivery here is
// synchronous and reliable, but callers must tolerate the unreliable,
// unordered, duplicating delivery the contract permits.
package transport

import (
	"errors"
	"sync"

	"github.com/opd-ai/kadmesh/dht"
)

// ErrUnreachable is returned when the destination has no endpoint on the
// network, or the link to it has been cut.
var ErrUnreachable = errors.New("node unreachable")

// ErrNoHandler is returned when the destination endpoint exists but has
// not registered an inbound handler yet.
var ErrNoHandler = errors.New("no handler registered")

// MemoryNetwork connects in-process endpoints. Individual endpoints can
// be detached to simulate partitions and crashes.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[dht.NodeID]*MemoryTransport
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[dht.NodeID]*MemoryTransport)}
}

// Endpoint attaches a new transport for the given identity. Attaching
// the same ID again replaces the previous endpoint.
func (n *MemoryNetwork) Endpoint(id dht.NodeID, address string, port uint16) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	tr := &MemoryTransport{
		network: n,
		self:    dht.NewNode(id, address, port),
	}
	n.endpoints[id] = tr
	return tr
}

// Detach removes an endpoint from the network. Messages to it fail with
// ErrUnreachable until it is attached again.
func (n *MemoryNetwork) Detach(id dht.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, id)
}

func (n *MemoryNetwork) lookup(id dht.NodeID) (*MemoryTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tr, ok := n.endpoints[id]
	return tr, ok
}

// MemoryTransport is one endpoint on a MemoryNetwork. It implements
// dht.Transport with synchronous in-process delivery.
type MemoryTransport struct {
	network *MemoryNetwork
	self    *dht.Node

	mu      sync.Mutex
	handler dht.MessageHandler
	closed  bool
}

// Send delivers the message to the destination's handler. Sending to a
// detached node or through a closed endpoint fails.
func (t *MemoryTransport) Send(node *dht.Node, msg *dht.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("transport closed")
	}

	peer, ok := t.network.lookup(node.ID)
	if !ok {
		return ErrUnreachable
	}

	peer.mu.Lock()
	handler := peer.handler
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return ErrUnreachable
	}
	if handler == nil {
		return ErrNoHandler
	}
	return handler(msg, t.self)
}

// RegisterHandler registers the single inbound handler.
func (t *MemoryTransport) RegisterHandler(handler dht.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Close detaches the endpoint from the network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.Detach(t.self.ID)
	return nil
}

// LocalNode returns the identity and endpoint this transport serves.
func (t *MemoryTransport) LocalNode() *dht.Node {
	return t.self
}
