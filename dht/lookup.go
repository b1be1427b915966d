package dht

import (
	"bytes"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// lookupState tracks the shortlist of an iterative lookup: every node
// heard of so far, and which of them have already been queried.
type lookupState struct {
	target    NodeID
	shortlist map[NodeID]*Node
	queried   map[NodeID]bool
	capacity  int
}

func newLookupState(target NodeID, capacity int) *lookupState {
	return &lookupState{
		target:    target,
		shortlist: make(map[NodeID]*Node),
		queried:   make(map[NodeID]bool),
		capacity:  capacity,
	}
}

// add merges a node into the shortlist, deduplicating by ID. Returns true
// if the node was new.
func (ls *lookupState) add(node *Node) bool {
	if _, ok := ls.shortlist[node.ID]; ok {
		return false
	}
	ls.shortlist[node.ID] = node
	ls.trim()
	return true
}

// trim bounds the shortlist to capacity, keeping the closest entries.
// Already queried nodes are retained so they are not re-contacted.
func (ls *lookupState) trim() {
	if len(ls.shortlist) <= ls.capacity {
		return
	}
	nodes := ls.sorted()
	for _, n := range nodes[ls.capacity:] {
		if !ls.queried[n.ID] {
			delete(ls.shortlist, n.ID)
		}
	}
}

// nextRound returns up to alpha not-yet-queried nodes, closest first.
func (ls *lookupState) nextRound(alpha int) []*Node {
	var candidates []*Node
	for _, n := range ls.sorted() {
		if ls.queried[n.ID] {
			continue
		}
		candidates = append(candidates, n)
		if len(candidates) == alpha {
			break
		}
	}
	return candidates
}

// markQueried records that a node was contacted this lookup, successfully
// or not. Timed-out nodes stay in the shortlist but are never re-tried.
func (ls *lookupState) markQueried(id NodeID) {
	ls.queried[id] = true
}

// sorted returns the shortlist ordered by ascending distance to the
// target, ties broken by node ID bytes.
func (ls *lookupState) sorted() []*Node {
	nodes := make([]*Node, 0, len(ls.shortlist))
	for _, n := range ls.shortlist {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		di := nodes[i].Distance(ls.target)
		dj := nodes[j].Distance(ls.target)
		if di == dj {
			return bytes.Compare(nodes[i].ID[:], nodes[j].ID[:]) < 0
		}
		return di.Less(dj)
	})
	return nodes
}

// closest returns the count closest nodes heard of so far.
func (ls *lookupState) closest(count int) []*Node {
	nodes := ls.sorted()
	if len(nodes) > count {
		nodes = nodes[:count]
	}
	return nodes
}

// queryReply carries one lookup arm's result back to the coordinating
// round.
type queryReply struct {
	from  *Node
	msg   *Message
	err   error
	value []byte
}

// iterativeLookup runs the standard Kademlia iterative lookup. When key is
// non-empty the lookup issues find_value requests and terminates early if
// any responder returns the value; otherwise it issues find_node requests
// and converges on the k closest nodes. Transport failures on one arm
// never abort the lookup; the result is best-effort.
func (d *DHT) iterativeLookup(target NodeID, key string) *LookupResult {
	state := newLookupState(target, d.config.K*d.config.Alpha)

	for _, n := range d.routingTable.FindClosestNodes(target, d.config.Alpha) {
		state.add(n)
	}

	for {
		round := state.nextRound(d.config.Alpha)
		if len(round) == 0 {
			break
		}

		replies := make(chan queryReply, len(round))
		var wg sync.WaitGroup
		for _, node := range round {
			state.markQueried(node.ID)
			wg.Add(1)
			go func(n *Node) {
				defer wg.Done()
				replies <- d.queryNode(n, target, key)
			}(node)
		}
		wg.Wait()
		close(replies)

		var foundValue []byte
		for reply := range replies {
			if reply.err != nil {
				// One arm failing affects only that arm.
				continue
			}
			if reply.value != nil {
				foundValue = reply.value
			}
			for _, info := range reply.msg.Nodes {
				if info.ID.Equal(d.selfID) {
					continue
				}
				state.add(info.Node())
			}
		}

		if foundValue != nil {
			logrus.WithFields(logrus.Fields{
				"function": "iterativeLookup",
				"key":      key,
			}).Debug("Value located during lookup")
			return &LookupResult{
				Nodes: state.closest(d.config.K),
				Value: foundValue,
				Found: true,
			}
		}
	}

	return &LookupResult{Nodes: state.closest(d.config.K)}
}

// queryNode sends one lookup request to one node and normalizes the reply.
func (d *DHT) queryNode(node *Node, target NodeID, key string) queryReply {
	msg := &Message{
		RequestID: newRequestID(),
		SourceID:  d.selfID,
		TargetID:  target,
	}
	if key != "" {
		msg.Type = MessageFindValue
		msg.Key = key
	} else {
		msg.Type = MessageFindNode
	}

	resp, err := d.sendRequest(node, msg)
	if err != nil {
		return queryReply{from: node, err: err}
	}
	return queryReply{from: node, msg: resp, value: resp.Value}
}
