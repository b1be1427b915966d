package dht

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// KBucket holds up to maxSize nodes whose distance to the local node falls
// in one power-of-two range. Nodes are ordered by recency of last update:
// the least-recently updated node is at the head, the freshest at the tail.
type KBucket struct {
	nodes   []*Node
	maxSize int
}

// NewKBucket creates a k-bucket with the specified capacity.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{
		nodes:   make([]*Node, 0, maxSize),
		maxSize: maxSize,
	}
}

// addNode applies the Kademlia insertion policy. The caller holds the
// routing table lock.
func (kb *KBucket) addNode(node *Node, now time.Time) bool {
	for i, existing := range kb.nodes {
		if existing.ID.Equal(node.ID) {
			// Known node: move to tail and refresh.
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			existing.Address = node.Address
			existing.Port = node.Port
			existing.Update(now, node.Status)
			kb.nodes = append(kb.nodes, existing)
			return true
		}
	}

	if len(kb.nodes) < kb.maxSize {
		node.LastSeen = now
		kb.nodes = append(kb.nodes, node)
		return true
	}

	// Bucket full: the eldest survives if it is still believed alive.
	eldest := kb.nodes[0]
	if eldest.Alive() {
		return false
	}
	kb.nodes = kb.nodes[1:]
	node.LastSeen = now
	kb.nodes = append(kb.nodes, node)
	return true
}

// removeNode removes a node by ID, preserving bucket order.
func (kb *KBucket) removeNode(id NodeID) bool {
	for i, node := range kb.nodes {
		if node.ID.Equal(id) {
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			return true
		}
	}
	return false
}

// touch refreshes a node's last-seen timestamp and moves it to the tail.
func (kb *KBucket) touch(id NodeID, now time.Time) bool {
	for i, node := range kb.nodes {
		if node.ID.Equal(id) {
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			node.Update(now, StatusGood)
			kb.nodes = append(kb.nodes, node)
			return true
		}
	}
	return false
}

// oldestSeen returns the last-seen timestamp of the least recently
// updated node. The second return is false for an empty bucket.
func (kb *KBucket) oldestSeen() (time.Time, bool) {
	if len(kb.nodes) == 0 {
		return time.Time{}, false
	}
	return kb.nodes[0].LastSeen, true
}

// RoutingTable manages the 160 k-buckets of the local node.
type RoutingTable struct {
	buckets [IDBits]*KBucket
	selfID  NodeID
	clk     clock.Clock
	mu      sync.RWMutex
}

// NewRoutingTable creates a routing table for the given local ID with
// bucket capacity k.
func NewRoutingTable(selfID NodeID, k int, clk clock.Clock) *RoutingTable {
	if clk == nil {
		clk = clock.New()
	}
	rt := &RoutingTable{
		selfID: selfID,
		clk:    clk,
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(k)
	}
	return rt
}

// SelfID returns the local node ID the table is keyed around.
func (rt *RoutingTable) SelfID() NodeID {
	return rt.selfID
}

// AddNode adds a node to the appropriate k-bucket. The local node is
// never stored. Returns false when the target bucket is full of live nodes.
func (rt *RoutingTable) AddNode(node *Node) bool {
	dist := node.Distance(rt.selfID)
	idx := dist.BucketIndex()
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	added := rt.buckets[idx].addNode(node, rt.clk.Now())
	if !added {
		logrus.WithFields(logrus.Fields{
			"function": "AddNode",
			"node_id":  node.ID.String(),
			"bucket":   idx,
		}).Debug("Bucket full of live nodes, rejecting")
	}
	return added
}

// RemoveNode removes the node with the given ID. Returns true if found.
func (rt *RoutingTable) RemoveNode(id NodeID) bool {
	dist := id.Distance(rt.selfID)
	idx := dist.BucketIndex()
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].removeNode(id)
}

// UpdateLastSeen refreshes the recency of the node with the given ID.
func (rt *RoutingTable) UpdateLastSeen(id NodeID) bool {
	dist := id.Distance(rt.selfID)
	idx := dist.BucketIndex()
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].touch(id, rt.clk.Now())
}

// FindClosestNodes returns up to count nodes ordered by ascending XOR
// distance to the key. Equal distances break ties by node ID byte order
// so results are deterministic.
func (rt *RoutingTable) FindClosestNodes(key NodeID, count int) []*Node {
	if count <= 0 {
		return []*Node{}
	}

	rt.mu.RLock()
	all := rt.collectNodes()
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := all[i].Distance(key)
		dj := all[j].Distance(key)
		if di == dj {
			return bytes.Compare(all[i].ID[:], all[j].ID[:]) < 0
		}
		return di.Less(dj)
	})

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// AllNodes returns every node from every k-bucket.
func (rt *RoutingTable) AllNodes() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.collectNodes()
}

// collectNodes snapshots all bucket contents. Caller holds at least a
// read lock.
func (rt *RoutingTable) collectNodes() []*Node {
	var all []*Node
	for _, bucket := range rt.buckets {
		all = append(all, bucket.nodes...)
	}
	return all
}

// Size returns the total number of nodes in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, bucket := range rt.buckets {
		total += len(bucket.nodes)
	}
	return total
}

// NonEmptyBucketCount returns the number of buckets holding at least
// one node.
func (rt *RoutingTable) NonEmptyBucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	count := 0
	for _, bucket := range rt.buckets {
		if len(bucket.nodes) > 0 {
			count++
		}
	}
	return count
}

// BucketsNeedingRefresh returns the indices of non-empty buckets whose
// oldest entry has not been updated within maxAge.
func (rt *RoutingTable) BucketsNeedingRefresh(maxAge time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	now := rt.clk.Now()
	var due []int
	for i, bucket := range rt.buckets {
		oldest, ok := bucket.oldestSeen()
		if !ok {
			continue
		}
		if now.Sub(oldest) > maxAge {
			due = append(due, i)
		}
	}
	return due
}

// Contains reports whether a node with the given ID is in the table.
func (rt *RoutingTable) Contains(id NodeID) bool {
	dist := id.Distance(rt.selfID)
	idx := dist.BucketIndex()
	if idx < 0 {
		return false
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, node := range rt.buckets[idx].nodes {
		if node.ID.Equal(id) {
			return true
		}
	}
	return false
}

// MarkBad flags the node with the given ID as unresponsive, making it
// eligible for replacement when its bucket fills.
func (rt *RoutingTable) MarkBad(id NodeID) {
	dist := id.Distance(rt.selfID)
	idx := dist.BucketIndex()
	if idx < 0 {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, node := range rt.buckets[idx].nodes {
		if node.ID.Equal(id) {
			node.Status = StatusBad
			return
		}
	}
}
