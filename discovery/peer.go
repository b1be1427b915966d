// Package discovery implements the peer-discovery orchestrator: it
// bootstraps the DHT from seed peers, runs periodic random-target
// lookups, merges DHT findings with externally supplied peers, and
// enforces peer lifecycle rules over the peer cache.
package discovery

import (
	"sort"

	"github.com/opd-ai/kadmesh/cache"
	"github.com/opd-ai/kadmesh/dht"
)

// PeerIDForNode renders a DHT node ID as an application peer ID. The
// mapping is the lowercase hex of the ID bytes and is total and
// deterministic; NodeIDForPeer is its inverse.
func PeerIDForNode(id dht.NodeID) string {
	return id.String()
}

// NodeIDForPeer parses a peer ID back into a DHT node ID.
func NodeIDForPeer(peerID string) (dht.NodeID, error) {
	return dht.NodeIDFromString(peerID)
}

// PeerFromNode converts a DHT node into the application peer view.
func PeerFromNode(n *dht.Node) cache.Peer {
	return cache.Peer{
		ID:       PeerIDForNode(n.ID),
		Address:  n.Address,
		Port:     n.Port,
		LastSeen: n.LastSeen,
	}
}

// NodeFromPeer converts an application peer into a DHT node. Fails when
// the peer ID is not a valid hex node ID.
func NodeFromPeer(p cache.Peer) (*dht.Node, error) {
	id, err := NodeIDForPeer(p.ID)
	if err != nil {
		return nil, err
	}
	node := dht.NewNode(id, p.Address, p.Port)
	node.LastSeen = p.LastSeen
	return node, nil
}

// MergePeerLists merges two peer lists by peer ID, keeping the entry with
// the greater last-seen timestamp, and returns the result sorted by
// descending last-seen for presentation.
func MergePeerLists(a, b []cache.Peer) []cache.Peer {
	merged := make(map[string]cache.Peer, len(a)+len(b))
	for _, p := range a {
		merged[p.ID] = p
	}
	for _, p := range b {
		if existing, ok := merged[p.ID]; !ok || p.LastSeen.After(existing.LastSeen) {
			merged[p.ID] = p
		}
	}

	out := make([]cache.Peer, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}
