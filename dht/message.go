package dht

import (
	"github.com/google/uuid"
)

// MessageType identifies the operation a DHT message performs.
type MessageType uint8

const (
	MessagePing MessageType = iota + 1
	MessageFindNode
	MessageFindValue
	MessageStore
)

// String returns a human-readable name for logging.
func (t MessageType) String() string {
	switch t {
	case MessagePing:
		return "ping"
	case MessageFindNode:
		return "find_node"
	case MessageFindValue:
		return "find_value"
	case MessageStore:
		return "store"
	default:
		return "unknown"
	}
}

// NodeInfo is the wire representation of a node carried inside messages.
type NodeInfo struct {
	ID      NodeID `json:"id"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// Node converts the wire form back into a node record.
func (ni NodeInfo) Node() *Node {
	return NewNode(ni.ID, ni.Address, ni.Port)
}

// Message is the unit of exchange between DHT nodes. Requests and their
// responses are correlated by RequestID; a response carries IsResponse=true.
// The concrete wire encoding is the transport's concern.
type Message struct {
	Type       MessageType `json:"type"`
	RequestID  string      `json:"request_id"`
	SourceID   NodeID      `json:"source_id"`
	TargetID   NodeID      `json:"target_id"`
	Key        string      `json:"key,omitempty"`
	Value      []byte      `json:"value,omitempty"`
	Nodes      []NodeInfo  `json:"nodes,omitempty"`
	IsResponse bool        `json:"is_response"`
}

// newRequestID generates a unique correlation ID for an outbound request.
func newRequestID() string {
	return uuid.New().String()
}

// response builds a reply to this message, preserving the request ID and
// routing target.
func (m *Message) response(source NodeID) *Message {
	return &Message{
		Type:       m.Type,
		RequestID:  m.RequestID,
		SourceID:   source,
		TargetID:   m.TargetID,
		IsResponse: true,
	}
}

// MessageHandler processes an inbound DHT message from a remote node.
type MessageHandler func(msg *Message, from *Node) error

// Transport delivers DHT messages between hosts. Implementations may be
// unreliable, unordered and duplicating; the DHT tolerates all three.
// Inbound messages are delivered to the single handler registered by the
// DHT engine.
type Transport interface {
	// Send delivers a message to the given node.
	Send(node *Node, msg *Message) error

	// RegisterHandler registers the handler for inbound messages.
	RegisterHandler(handler MessageHandler)

	// Close shuts down the transport.
	Close() error
}
