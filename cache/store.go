package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// SecondaryStore is the cold tier: a secondary store of CachedPeer
// records keyed by peer ID with the same logical schema as the hot tier.
// Implementations must round-trip every CachedPeer field, including
// connection-history order.
type SecondaryStore interface {
	Put(id string, rec *CachedPeer) error
	Get(id string) (*CachedPeer, bool, error)
	Delete(id string) error
	Len() int
	Keys() []string
	Clear() error
}

// MemoryStore is the default cold tier: serialized records held in
// memory, optionally zstd-compressed.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string][]byte
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewMemoryStore creates a cold-tier store. When compress is true each
// record is zstd-compressed at rest.
func NewMemoryStore(compress bool) (*MemoryStore, error) {
	s := &MemoryStore{
		records:  make(map[string][]byte),
		compress: compress,
	}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		s.enc = enc
		s.dec = dec
	}
	return s, nil
}

// Put serializes and stores a record.
func (s *MemoryStore) Put(id string, rec *CachedPeer) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing cached peer %s: %w", id, err)
	}
	if s.compress {
		raw = s.enc.EncodeAll(raw, nil)
	}

	s.mu.Lock()
	s.records[id] = raw
	s.mu.Unlock()
	return nil
}

// Get loads and deserializes a record.
func (s *MemoryStore) Get(id string) (*CachedPeer, bool, error) {
	s.mu.RLock()
	raw, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if s.compress {
		plain, err := s.dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, false, fmt.Errorf("decompressing cached peer %s: %w", id, err)
		}
		raw = plain
	}

	var rec CachedPeer
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("deserializing cached peer %s: %w", id, err)
	}
	return &rec, true, nil
}

// Delete removes a record if present.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Keys returns every stored peer ID.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys
}

// Clear removes every record.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.records = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}
