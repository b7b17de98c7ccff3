package cache

import (
	"context"
	"log/slog"
	"time"
)

const defaultStaleGrace = time.Hour

// Store holds typed entries with TTL semantics. Implementations never return errors to
// callers: a corrupted, missing or unreachable entry behaves as a miss.
type Store[K ~string, V any] interface {
	// Get returns the value only while it is fresh.
	Get(ctx context.Context, key K) (V, bool)
	// Stale returns the value while it is fresh or inside the stale grace window.
	Stale(ctx context.Context, key K) (V, bool)
	// Set inserts or overwrites key, stamping the entry with the current time.
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	// Invalidate removes every entry whose key starts with prefix and returns the count.
	Invalidate(ctx context.Context, prefix string) int
	// Stats reports size and freshness buckets for observability only.
	Stats(ctx context.Context) StoreStats
	Close(ctx context.Context) error
}

// StoreStats is a point-in-time view of a store.
type StoreStats struct {
	Size                int   `json:"size"`
	MemoryUsageEstimate int64 `json:"memoryUsageEstimate"`
	Fresh               int   `json:"fresh"`
	Stale               int   `json:"stale"`
	Expired             int   `json:"expired"`
	Evictions           int64 `json:"evictions"`
}

// EvictionObserver receives a notification each time entries leave a store because they
// expired or were invalidated.
type EvictionObserver interface {
	ObserveCacheEvictions(cache string, count int)
}

type storeOptions struct {
	name     string
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger
	observer EvictionObserver
}

// StoreOption customises a store.
type StoreOption func(*storeOptions)

// WithName labels the store in logs and metrics.
func WithName(name string) StoreOption {
	return func(o *storeOptions) { o.name = name }
}

// WithStaleGrace sets how long an entry stays usable as a fallback after its TTL.
func WithStaleGrace(grace time.Duration) StoreOption {
	return func(o *storeOptions) {
		if grace >= 0 {
			o.grace = grace
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithStoreLogger sets the logger used for backend failures.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEvictionObserver reports evictions, typically to the metrics recorder.
func WithEvictionObserver(observer EvictionObserver) StoreOption {
	return func(o *storeOptions) { o.observer = observer }
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{
		name:   "default",
		grace:  defaultStaleGrace,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o storeOptions) evicted(count int) {
	if o.observer == nil || count <= 0 {
		return
	}
	o.observer.ObserveCacheEvictions(o.name, count)
}
