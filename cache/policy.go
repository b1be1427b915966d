package cache

import (
	"sort"
	"time"
)

// rankVictims orders eviction candidates worst-first according to the
// configured policy. CRITICAL entries are excluded before ranking.
func rankVictims(policy EvictionPolicy, candidates []*CachedPeer, now time.Time) []*CachedPeer {
	switch policy {
	case PolicyLRU:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		})
	case PolicyLFU:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].AccessCount < candidates[j].AccessCount
		})
	case PolicyTTL:
		sort.Slice(candidates, func(i, j int) bool {
			return expiryTime(candidates[i]).Before(expiryTime(candidates[j]))
		})
	case PolicyReputation:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Reputation < candidates[j].Reputation
		})
	case PolicyLRUWithReputation:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Score(now) < candidates[j].Score(now)
		})
	case PolicyNetworkDistance:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].NetworkDistance > candidates[j].NetworkDistance
		})
	}
	return candidates
}

// expiryTime returns when an entry will expire. Entries without a TTL
// sort last.
func expiryTime(cp *CachedPeer) time.Time {
	if cp.TTL <= 0 {
		return cp.CachedAt.Add(100 * 365 * 24 * time.Hour)
	}
	return cp.CachedAt.Add(cp.TTL)
}
