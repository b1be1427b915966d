package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
)

// retrievalWindow is the size of the retrieval-latency ring used for the
// mean retrieval time statistic.
const retrievalWindow = 100

// decayInterval is how often reputation decay is applied.
const decayInterval = 24 * time.Hour

// Stats is a snapshot of cache activity.
type Stats struct {
	HotSize              int
	ColdSize             int
	Hits                 uint64
	Misses               uint64
	HitRate              float64
	Evictions            uint64
	Expirations          uint64
	MeanRetrievalTime    time.Duration
	PriorityDistribution map[Priority]int
}

// PeerCache is the two-tier peer cache. The hot tier is a bounded
// in-memory map with an LRU recency index; overflow spills into the cold
// tier while it has room. A peer ID lives in at most one tier at a time.
type PeerCache struct {
	config *Config
	clk    clock.Clock

	mu      sync.Mutex
	hot     map[string]*CachedPeer
	recency *lru.LRU[string, struct{}]
	cold    SecondaryStore

	statsMu        sync.Mutex
	hits           uint64
	misses         uint64
	evictions      uint64
	expirations    uint64
	retrievalRing  [retrievalWindow]time.Duration
	retrievalCount uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a peer cache and starts its background sweeps. Close must
// be called to stop them.
func New(config *Config) (*PeerCache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	// The index capacity leaves headroom above the hot-tier bound so the
	// LRU never evicts on its own; victim selection stays with the cache.
	recency, err := lru.NewLRU[string, struct{}](config.MaxMemoryEntries*2+1, nil)
	if err != nil {
		return nil, err
	}

	c := &PeerCache{
		config:  config,
		clk:     config.Clock,
		hot:     make(map[string]*CachedPeer),
		recency: recency,
	}

	if config.PersistenceEnabled {
		cold, err := NewMemoryStore(config.CompressionEnabled)
		if err != nil {
			return nil, err
		}
		c.cold = cold
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(2)
	go c.cleanupLoop()
	go c.decayLoop()

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"max_memory":  config.MaxMemoryEntries,
		"max_disk":    config.MaxDiskEntries,
		"policy":      config.EvictionPolicy,
		"persistence": config.PersistenceEnabled,
	}).Info("Peer cache created")

	return c, nil
}

// Close stops the background sweeps. Close is idempotent.
func (c *PeerCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Put inserts or updates a peer at the given priority with the default
// TTL for that priority.
func (c *PeerCache) Put(peer Peer, priority Priority) error {
	return c.PutWithOptions(peer, priority, 0, nil, nil)
}

// PutWithOptions inserts or updates a peer. A zero ttl selects the
// default for the priority. On update the original CachedAt, reputation,
// bootstrap flag and connection history are preserved; tags and metadata
// are replaced only when non-nil.
func (c *PeerCache) PutWithOptions(peer Peer, priority Priority, ttl time.Duration, tags []string, metadata map[string]string) error {
	now := c.clk.Now()
	if ttl <= 0 {
		ttl = c.ttlFor(priority)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.hot[peer.ID]; ok {
		existing.Peer = peer
		existing.Priority = priority
		existing.TTL = ttl
		existing.LastAccessed = now
		existing.AccessCount++
		if tags != nil {
			existing.Tags = tags
		}
		if metadata != nil {
			existing.Metadata = metadata
		}
		c.recency.Add(peer.ID, struct{}{})
		return nil
	}

	entry := &CachedPeer{
		Peer:         peer,
		CachedAt:     now,
		LastAccessed: now,
		AccessCount:  1,
		TTL:          ttl,
		Priority:     priority,
		Reputation:   0.5,
		Tags:         tags,
		Metadata:     metadata,
	}

	// An entry resident in the cold tier keeps its accumulated state;
	// the put promotes it back to hot.
	if c.cold != nil {
		if rec, ok, err := c.cold.Get(peer.ID); err == nil && ok {
			rec.Peer = peer
			rec.Priority = priority
			rec.TTL = ttl
			rec.LastAccessed = now
			rec.AccessCount++
			if tags != nil {
				rec.Tags = tags
			}
			if metadata != nil {
				rec.Metadata = metadata
			}
			entry = rec
			if err := c.cold.Delete(peer.ID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "PutWithOptions",
					"peer_id":  peer.ID,
					"error":    err.Error(),
				}).Warn("Could not remove promoted peer from cold tier")
			}
		}
	}

	c.hot[peer.ID] = entry
	c.recency.Add(peer.ID, struct{}{})
	c.ensureCapacityLocked(now)
	return nil
}

// Get retrieves a peer, trying the hot tier first and promoting from the
// cold tier on a hot miss. Expired entries are removed and reported as
// misses. The returned record is a copy.
func (c *PeerCache) Get(peerID string) (*CachedPeer, bool) {
	started := c.clk.Now()
	defer func() {
		c.recordRetrieval(c.clk.Now().Sub(started))
	}()

	now := started

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.hot[peerID]; ok {
		if entry.Expired(now) {
			delete(c.hot, peerID)
			c.recency.Remove(peerID)
			c.countExpiration()
			c.countMiss()
			return nil, false
		}
		entry.LastAccessed = now
		entry.AccessCount++
		c.recency.Add(peerID, struct{}{})
		c.countHit()
		return entry.clone(), true
	}

	if c.cold != nil {
		rec, ok, err := c.cold.Get(peerID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Get",
				"peer_id":  peerID,
				"error":    err.Error(),
			}).Warn("Cold tier read failed")
		}
		if ok && err == nil {
			if rec.Expired(now) {
				_ = c.cold.Delete(peerID)
				c.countExpiration()
				c.countMiss()
				return nil, false
			}
			// Promote: the entry moves tiers, never duplicates.
			_ = c.cold.Delete(peerID)
			rec.LastAccessed = now
			rec.AccessCount++
			c.hot[peerID] = rec
			c.recency.Add(peerID, struct{}{})
			c.ensureCapacityLocked(now)
			c.countHit()
			return rec.clone(), true
		}
	}

	c.countMiss()
	return nil, false
}

// UpdateReputation adjusts a peer's reputation by delta, clamped to
// [0, 1]. Works on either tier.
func (c *PeerCache) UpdateReputation(peerID string, delta float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.hot[peerID]; ok {
		entry.Reputation = clamp01(entry.Reputation + delta)
		return true
	}
	return c.updateCold(peerID, func(rec *CachedPeer) {
		rec.Reputation = clamp01(rec.Reputation + delta)
	})
}

// RecordConnectionAttempt appends to the peer's connection history,
// capped FIFO, and adjusts reputation by +0.1 on success or -0.1 on
// failure.
func (c *PeerCache) RecordConnectionAttempt(peerID string, success bool, latency time.Duration, errMsg, method string) bool {
	attempt := ConnectionAttempt{
		Timestamp: c.clk.Now(),
		Success:   success,
		Latency:   latency,
		Error:     errMsg,
		Method:    method,
	}
	delta := 0.1
	if !success {
		delta = -0.1
	}

	apply := func(rec *CachedPeer) {
		rec.ConnectionHistory = append(rec.ConnectionHistory, attempt)
		if over := len(rec.ConnectionHistory) - c.config.ConnectionHistorySize; over > 0 {
			rec.ConnectionHistory = rec.ConnectionHistory[over:]
		}
		rec.Reputation = clamp01(rec.Reputation + delta)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.hot[peerID]; ok {
		apply(entry)
		return true
	}
	return c.updateCold(peerID, apply)
}

// UpdateNetworkDistance records the peer's network distance.
func (c *PeerCache) UpdateNetworkDistance(peerID string, distance int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.hot[peerID]; ok {
		entry.NetworkDistance = distance
		return true
	}
	return c.updateCold(peerID, func(rec *CachedPeer) {
		rec.NetworkDistance = distance
	})
}

// MarkBootstrap flags a peer as a bootstrap seed, exempting it from
// TTL-based removal by the discovery layer.
func (c *PeerCache) MarkBootstrap(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.hot[peerID]; ok {
		entry.Bootstrap = true
		return true
	}
	return c.updateCold(peerID, func(rec *CachedPeer) {
		rec.Bootstrap = true
	})
}

// GetByPriority returns copies of all entries at the given priority,
// searching both tiers.
func (c *PeerCache) GetByPriority(priority Priority) []*CachedPeer {
	return c.collect(func(rec *CachedPeer) bool {
		return rec.Priority == priority
	})
}

// GetByTags returns copies of all entries carrying every given tag.
func (c *PeerCache) GetByTags(tags ...string) []*CachedPeer {
	return c.collect(func(rec *CachedPeer) bool {
		for _, tag := range tags {
			if !rec.HasTag(tag) {
				return false
			}
		}
		return true
	})
}

// BootstrapPeers returns copies of all bootstrap-flagged entries.
func (c *PeerCache) BootstrapPeers() []*CachedPeer {
	return c.collect(func(rec *CachedPeer) bool {
		return rec.Bootstrap
	})
}

// TopByReputation returns up to limit entries ordered by descending
// reputation.
func (c *PeerCache) TopByReputation(limit int) []*CachedPeer {
	all := c.collect(func(*CachedPeer) bool { return true })
	sort.Slice(all, func(i, j int) bool {
		return all[i].Reputation > all[j].Reputation
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// WarmCache bulk-inserts peers at HIGH priority.
func (c *PeerCache) WarmCache(peers []Peer) {
	for _, peer := range peers {
		if err := c.Put(peer, PriorityHigh); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WarmCache",
				"peer_id":  peer.ID,
				"error":    err.Error(),
			}).Warn("Warm insert failed")
		}
	}
}

// Remove deletes a peer from whichever tier holds it.
func (c *PeerCache) Remove(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.hot[peerID]; ok {
		delete(c.hot, peerID)
		c.recency.Remove(peerID)
		return true
	}
	if c.cold != nil {
		if _, ok, _ := c.cold.Get(peerID); ok {
			_ = c.cold.Delete(peerID)
			return true
		}
	}
	return false
}

// Clear empties both tiers.
func (c *PeerCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hot = make(map[string]*CachedPeer)
	c.recency.Purge()
	if c.cold != nil {
		_ = c.cold.Clear()
	}
}

// Contains reports whether the peer is resident in either tier, without
// touching access bookkeeping.
func (c *PeerCache) Contains(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.hot[peerID]; ok {
		return true
	}
	if c.cold != nil {
		if _, ok, _ := c.cold.Get(peerID); ok {
			return true
		}
	}
	return false
}

// CachedPeers returns a snapshot of the hot tier.
func (c *PeerCache) CachedPeers() []*CachedPeer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*CachedPeer, 0, len(c.hot))
	for _, entry := range c.hot {
		out = append(out, entry.clone())
	}
	return out
}

// Len returns the total number of cached peers across both tiers.
func (c *PeerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(c.hot)
	if c.cold != nil {
		total += c.cold.Len()
	}
	return total
}

// Stats returns a snapshot of cache statistics.
func (c *PeerCache) Stats() Stats {
	c.mu.Lock()
	dist := make(map[Priority]int)
	for _, entry := range c.hot {
		dist[entry.Priority]++
	}
	hotSize := len(c.hot)
	coldSize := 0
	if c.cold != nil {
		coldSize = c.cold.Len()
	}
	c.mu.Unlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := Stats{
		HotSize:              hotSize,
		ColdSize:             coldSize,
		Hits:                 c.hits,
		Misses:               c.misses,
		Evictions:            c.evictions,
		Expirations:          c.expirations,
		PriorityDistribution: dist,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}

	samples := c.retrievalCount
	if samples > retrievalWindow {
		samples = retrievalWindow
	}
	if samples > 0 {
		var sum time.Duration
		for i := uint64(0); i < samples; i++ {
			sum += c.retrievalRing[i]
		}
		s.MeanRetrievalTime = sum / time.Duration(samples)
	}
	return s
}

// ttlFor selects the default TTL for a priority.
func (c *PeerCache) ttlFor(priority Priority) time.Duration {
	if priority >= PriorityHigh {
		return c.config.HighPriorityTTL
	}
	return c.config.DefaultTTL
}

// ensureCapacityLocked evicts worst-ranked non-CRITICAL entries until the
// hot tier fits its bound. Evictees spill into the cold tier while it has
// room. Caller holds the cache lock.
func (c *PeerCache) ensureCapacityLocked(now time.Time) {
	if len(c.hot) <= c.config.MaxMemoryEntries {
		return
	}

	var candidates []*CachedPeer
	if c.config.EvictionPolicy == PolicyLRU {
		// The recency index already knows LRU order.
		for _, id := range c.recency.Keys() {
			if entry, ok := c.hot[id]; ok && entry.Priority != PriorityCritical {
				candidates = append(candidates, entry)
			}
		}
	} else {
		for _, entry := range c.hot {
			if entry.Priority != PriorityCritical {
				candidates = append(candidates, entry)
			}
		}
		candidates = rankVictims(c.config.EvictionPolicy, candidates, now)
	}

	for _, victim := range candidates {
		if len(c.hot) <= c.config.MaxMemoryEntries {
			break
		}
		delete(c.hot, victim.Peer.ID)
		c.recency.Remove(victim.Peer.ID)
		c.countEviction()

		if c.cold != nil && c.cold.Len() < c.config.MaxDiskEntries {
			if err := c.cold.Put(victim.Peer.ID, victim); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ensureCapacityLocked",
					"peer_id":  victim.Peer.ID,
					"error":    err.Error(),
				}).Warn("Cold tier spill failed")
			}
		}
	}
}

// updateCold applies a mutation to a cold-tier record in place. Caller
// holds the cache lock.
func (c *PeerCache) updateCold(peerID string, apply func(*CachedPeer)) bool {
	if c.cold == nil {
		return false
	}
	rec, ok, err := c.cold.Get(peerID)
	if err != nil || !ok {
		return false
	}
	apply(rec)
	if err := c.cold.Put(peerID, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "updateCold",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Cold tier update failed")
		return false
	}
	return true
}

// collect snapshots entries from both tiers matching the predicate.
func (c *PeerCache) collect(match func(*CachedPeer) bool) []*CachedPeer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*CachedPeer
	for _, entry := range c.hot {
		if match(entry) {
			out = append(out, entry.clone())
		}
	}
	if c.cold != nil {
		for _, id := range c.cold.Keys() {
			rec, ok, err := c.cold.Get(id)
			if err != nil || !ok {
				continue
			}
			if match(rec) {
				out = append(out, rec)
			}
		}
	}
	return out
}

// cleanupLoop sweeps expired entries from both tiers.
func (c *PeerCache) cleanupLoop() {
	defer c.wg.Done()

	ticker := c.clk.Ticker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// decayLoop applies reputation decay daily.
func (c *PeerCache) decayLoop() {
	defer c.wg.Done()

	ticker := c.clk.Ticker(decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.applyDecay()
		}
	}
}

// sweepExpired removes every expired entry. A failed iteration never
// stops the loop.
func (c *PeerCache) sweepExpired() {
	now := c.clk.Now()
	removed := 0

	c.mu.Lock()
	for id, entry := range c.hot {
		if entry.Expired(now) {
			delete(c.hot, id)
			c.recency.Remove(id)
			removed++
		}
	}
	if c.cold != nil {
		for _, id := range c.cold.Keys() {
			rec, ok, err := c.cold.Get(id)
			if err != nil || !ok {
				continue
			}
			if rec.Expired(now) {
				_ = c.cold.Delete(id)
				removed++
			}
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.statsMu.Lock()
		c.expirations += uint64(removed)
		c.statsMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "sweepExpired",
			"removed":  removed,
		}).Debug("Swept expired cache entries")
	}
}

// applyDecay multiplies every entry's reputation by (1 - decay rate).
func (c *PeerCache) applyDecay() {
	factor := 1 - c.config.ReputationDecayRate

	c.mu.Lock()
	for _, entry := range c.hot {
		entry.Reputation = clamp01(entry.Reputation * factor)
	}
	if c.cold != nil {
		for _, id := range c.cold.Keys() {
			c.updateCold(id, func(rec *CachedPeer) {
				rec.Reputation = clamp01(rec.Reputation * factor)
			})
		}
	}
	c.mu.Unlock()
}

func (c *PeerCache) countHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *PeerCache) countMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

func (c *PeerCache) countEviction() {
	c.statsMu.Lock()
	c.evictions++
	c.statsMu.Unlock()
}

func (c *PeerCache) countExpiration() {
	c.statsMu.Lock()
	c.expirations++
	c.statsMu.Unlock()
}

// recordRetrieval feeds one retrieval time into the latency ring.
func (c *PeerCache) recordRetrieval(elapsed time.Duration) {
	c.statsMu.Lock()
	c.retrievalRing[c.retrievalCount%retrievalWindow] = elapsed
	c.retrievalCount++
	c.statsMu.Unlock()
}
