// Package dht implements the Kademlia-style Distributed Hash Table at the
// core of the kadmesh peer-discovery overlay.
//
// The DHT is responsible for node discovery and key/value routing. It keeps
// a routing table of 160 k-buckets ordered by XOR distance, runs iterative
// alpha-parallel lookups, and maintains itself with periodic bucket refresh
// and value republish loops.
//
// Example:
//
//	engine, err := dht.New(dht.DefaultConfig(), transport)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	engine.Bootstrap(seeds)
package dht

import (
	"net"
	"strconv"
	"time"
)

// NodeStatus represents the liveness of a node as observed locally.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

// Node represents a peer in the DHT overlay.
type Node struct {
	ID       NodeID
	Address  string
	Port     uint16
	LastSeen time.Time
	Status   NodeStatus
}

// NewNode creates a node record for the given ID and endpoint.
func NewNode(id NodeID, address string, port uint16) *Node {
	return &Node{
		ID:      id,
		Address: address,
		Port:    port,
		Status:  StatusUnknown,
	}
}

// Endpoint returns the node's address joined with its port.
func (n *Node) Endpoint() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(int(n.Port)))
}

// Distance calculates the XOR distance between this node and a target ID.
func (n *Node) Distance(target NodeID) Distance {
	return n.ID.Distance(target)
}

// IsActive checks if the node has been seen within the timeout period.
func (n *Node) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastSeen) < timeout
}

// Alive reports whether the node is not known to be unresponsive.
func (n *Node) Alive() bool {
	return n.Status != StatusBad
}

// Update marks the node as seen at the given instant with the given status.
func (n *Node) Update(now time.Time, status NodeStatus) {
	n.LastSeen = now
	n.Status = status
}

// Info returns the wire representation of the node.
func (n *Node) Info() NodeInfo {
	return NodeInfo{ID: n.ID, Address: n.Address, Port: n.Port}
}
