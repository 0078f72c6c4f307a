package discovery

import (
	"context"
	"fmt"
	"sync"
)

// CachingSource decorates an AddressSource with exact-range
// memoisation (spec §4.4). A cache hit for the pair (first,last)
// returns immediately without touching the inner source; a miss
// populates the entry only on success — failures are never cached.
// Lookups are by exact range: two overlapping but unequal ranges miss
// independently, matching the caller's discipline of fixed-size
// chunking.
type CachingSource struct {
	inner AddressSource

	mu      sync.RWMutex
	entries map[string][]Address
}

// NewCachingSource wraps inner with an empty cache.
func NewCachingSource(inner AddressSource) *CachingSource {
	return &CachingSource{
		inner:   inner,
		entries: make(map[string][]Address),
	}
}

func rangeKey(first, last AddressIndex) string {
	return fmt.Sprintf("%d-%d", first, last)
}

func (s *CachingSource) Derive(ctx context.Context, first, last AddressIndex) ([]Address, error) {
	if last < first {
		return nil, ErrEmptyRange
	}

	key := rangeKey(first, last)

	s.mu.RLock()
	if cached, ok := s.entries[key]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	addr, err := s.inner.Derive(ctx, first, last)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[key] = addr
	s.mu.Unlock()

	return addr, nil
}

// Store yields the cache as a plain range-key -> address-list mapping
// for persistence (spec §6 "source" blob).
func (s *CachingSource) Store() map[string][]Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Address, len(s.entries))
	for k, v := range s.entries {
		cp := make([]Address, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Restore replaces the cache wholesale with data (the prefetch slot,
// owned by a different decorator, is never part of this blob).
func (s *CachingSource) Restore(data map[string][]Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]Address, len(data))
	for k, v := range data {
		cp := make([]Address, len(v))
		copy(cp, v)
		s.entries[k] = cp
	}
}
