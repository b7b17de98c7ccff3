package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type memoryStore[K ~string, V any] struct {
	opts storeOptions

	mu      sync.Mutex
	entries map[K]Entry[V]

	evictions atomic.Int64
}

// NewMemory builds the process-local store. Entries are only removed by invalidation or
// when a read finds them past the grace window; there is no background sweep and no
// capacity bound.
func NewMemory[K ~string, V any](opts ...StoreOption) Store[K, V] {
	return &memoryStore[K, V]{
		opts:    buildStoreOptions(opts),
		entries: make(map[K]Entry[V]),
	}
}

func (s *memoryStore[K, V]) Get(_ context.Context, key K) (V, bool) {
	return s.lookup(key, Fresh)
}

func (s *memoryStore[K, V]) Stale(_ context.Context, key K) (V, bool) {
	return s.lookup(key, Stale)
}

func (s *memoryStore[K, V]) lookup(key K, worst Freshness) (V, bool) {
	var zero V
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return zero, false
	}
	state := entry.Freshness(s.opts.now(), s.opts.grace)
	if state == Expired {
		delete(s.entries, key)
		s.mu.Unlock()
		s.evictions.Add(1)
		s.opts.evicted(1)
		return zero, false
	}
	s.mu.Unlock()
	if state > worst {
		return zero, false
	}
	return entry.Value, true
}

func (s *memoryStore[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry[V]{
		Key:       string(key),
		Value:     value,
		WrittenAt: s.opts.now(),
		TTL:       ttl,
	}
}

func (s *memoryStore[K, V]) Invalidate(_ context.Context, prefix string) int {
	s.mu.Lock()
	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(string(key), prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.evictions.Add(int64(removed))
		s.opts.evicted(removed)
	}
	return removed
}

func (s *memoryStore[K, V]) Stats(_ context.Context) StoreStats {
	s.mu.Lock()
	snapshot := make([]Entry[V], 0, len(s.entries))
	for _, entry := range s.entries {
		snapshot = append(snapshot, entry)
	}
	s.mu.Unlock()

	now := s.opts.now()
	stats := StoreStats{Size: len(snapshot), Evictions: s.evictions.Load()}
	for _, entry := range snapshot {
		switch entry.Freshness(now, s.opts.grace) {
		case Fresh:
			stats.Fresh++
		case Stale:
			stats.Stale++
		default:
			stats.Expired++
		}
		stats.MemoryUsageEstimate += estimateSize(entry.Key, entry.Value)
	}
	return stats
}

func (s *memoryStore[K, V]) Close(context.Context) error {
	return nil
}

// estimateSize approximates the footprint of an entry as key bytes plus the JSON size of
// the value. Values that cannot be encoded count as their key only.
func estimateSize(key string, value any) int64 {
	size := int64(len(key))
	payload, err := json.Marshal(value)
	if err != nil {
		return size
	}
	return size + int64(len(payload))
}
