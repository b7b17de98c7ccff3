package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Lookup outcomes reported to the Observer.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeShared = "shared"
	OutcomeStale  = "stale"
	OutcomeError  = "error"
)

// Fetcher produces a value from the upstream. The context carries the fetch deadline and
// accepts CapTTL.
type Fetcher[V any] func(ctx context.Context) (V, error)

// Result is what GetOrFetch hands back to callers.
type Result[V any] struct {
	Data   V    `json:"data"`
	Cached bool `json:"cached"`
	Stale  bool `json:"stale,omitempty"`
	// Shared is set when the value came from a fetch started by a concurrent caller.
	Shared bool `json:"-"`
}

// Observer receives lookup and upstream events, typically the metrics recorder.
type Observer interface {
	ObserveCacheLookup(cache, outcome string)
	ObserveUpstreamFetch(cache, result string, duration time.Duration)
}

// ManagerConfig wires a Manager. Only Store is required.
type ManagerConfig[K ~string, V any] struct {
	Name         string
	Store        Store[K, V]
	Logger       *slog.Logger
	Observer     Observer
	FetchTimeout time.Duration
	// Admit decides whether a fetched value is stored. Rejected values are still returned.
	// ctx is the fetch context and carries the values of the caller that started the fetch.
	Admit func(ctx context.Context, key K, value V) bool
	// SkipFallback marks errors that must propagate even when a stale entry exists.
	SkipFallback func(err error) bool
}

// Manager is the read-through façade over a Store: fresh hits are served directly, misses
// go through a deduplicated fetch, and failed fetches fall back to stale entries.
type Manager[K ~string, V any] struct {
	name         string
	store        Store[K, V]
	group        *Group[K, V]
	logger       *slog.Logger
	observer     Observer
	admit        func(context.Context, K, V) bool
	skipFallback func(error) bool

	hits        atomic.Int64
	misses      atomic.Int64
	shared      atomic.Int64
	staleServed atomic.Int64
	sets        atomic.Int64
	fetchErrors atomic.Int64
}

func NewManager[K ~string, V any](cfg ManagerConfig[K, V]) *Manager[K, V] {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemory[K, V](WithName(name), WithStoreLogger(logger))
	}
	return &Manager[K, V]{
		name:         name,
		store:        store,
		group:        NewGroup[K, V](cfg.FetchTimeout),
		logger:       logger.With(slog.String("agent", "cache_manager"), slog.String("cache", name)),
		observer:     cfg.Observer,
		admit:        cfg.Admit,
		skipFallback: cfg.SkipFallback,
	}
}

func (m *Manager[K, V]) Name() string { return m.name }

// GetOrFetch returns the fresh cached value for key, or fetches, stores and returns it.
// When the fetch fails and a stale entry is still inside its grace window, the stale value
// is returned with Stale set and the error is swallowed. A caller whose context ends gets
// the context error; the fetch keeps running while other callers wait for it.
func (m *Manager[K, V]) GetOrFetch(ctx context.Context, key K, ttl time.Duration, fetch Fetcher[V]) (Result[V], error) {
	if value, ok := m.store.Get(ctx, key); ok {
		m.hits.Add(1)
		m.observeLookup(OutcomeHit)
		return Result[V]{Data: value, Cached: true}, nil
	}
	m.misses.Add(1)

	value, shared, err := m.group.Do(ctx, key, func(fctx context.Context) (V, error) {
		return m.produce(fctx, key, ttl, fetch)
	})
	if err == nil {
		if shared {
			m.shared.Add(1)
			m.observeLookup(OutcomeShared)
			return Result[V]{Data: value, Cached: true, Shared: true}, nil
		}
		m.observeLookup(OutcomeMiss)
		return Result[V]{Data: value}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result[V]{}, ctxErr
	}
	if m.skipFallback != nil && m.skipFallback(err) {
		m.observeLookup(OutcomeError)
		return Result[V]{}, err
	}
	if stale, ok := m.store.Stale(ctx, key); ok {
		m.staleServed.Add(1)
		m.observeLookup(OutcomeStale)
		m.logger.Warn("serving stale entry after fetch failure",
			slog.String("key", string(key)),
			slog.Any("error", err),
		)
		return Result[V]{Data: stale, Cached: true, Stale: true}, nil
	}
	m.observeLookup(OutcomeError)
	return Result[V]{}, err
}

func (m *Manager[K, V]) produce(ctx context.Context, key K, ttl time.Duration, fetch Fetcher[V]) (V, error) {
	hint := &ttlHint{}
	ctx = context.WithValue(ctx, ttlHintKey{}, hint)
	start := time.Now()
	value, err := fetch(ctx)
	elapsed := time.Since(start)
	if err != nil {
		m.fetchErrors.Add(1)
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		m.observeFetch(result, elapsed)
		m.logger.Debug("upstream fetch failed",
			slog.String("key", string(key)),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		return value, err
	}
	m.observeFetch("success", elapsed)

	if m.admit != nil && !m.admit(ctx, key, value) {
		m.logger.Debug("fetched value not admitted to cache", slog.String("key", string(key)))
		return value, nil
	}
	ttl = hint.apply(ttl)
	if ttl <= 0 {
		m.logger.Debug("fetched value not cached, ttl is zero", slog.String("key", string(key)))
		return value, nil
	}
	m.store.Set(ctx, key, value, ttl)
	m.sets.Add(1)
	return value, nil
}

type ttlHintKey struct{}

// ttlHint carries the lifetime an upstream response allows back to produce.
type ttlHint struct {
	mu  sync.Mutex
	ttl *time.Duration
}

func (h *ttlHint) apply(ttl time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ttl != nil && *h.ttl < ttl {
		return *h.ttl
	}
	return ttl
}

// CapTTL lets a fetcher report the upstream Cache-Control header of its response. When ctx
// belongs to a GetOrFetch fetch, the stored TTL becomes the smaller of the requested TTL and
// the lifetime the header allows; no-store, no-cache and private keep the value out of the
// cache. Headers without a lifetime directive are ignored.
func CapTTL(ctx context.Context, header string) {
	hint, ok := ctx.Value(ttlHintKey{}).(*ttlHint)
	if !ok || strings.TrimSpace(header) == "" {
		return
	}
	ttl := ParseCacheControl(header).TTL()
	if ttl == nil {
		return
	}
	hint.mu.Lock()
	hint.ttl = ttl
	hint.mu.Unlock()
}

// Invalidate removes every entry whose key starts with prefix.
func (m *Manager[K, V]) Invalidate(ctx context.Context, prefix string) int {
	removed := m.store.Invalidate(ctx, prefix)
	m.logger.Info("cache invalidated", slog.String("prefix", prefix), slog.Int("removed", removed))
	return removed
}

// WarmTarget is one key to populate during warm-up.
type WarmTarget[K ~string, V any] struct {
	Key   K
	TTL   time.Duration
	Fetch Fetcher[V]
	// Prepare, when set, derives the context used for this target's lookup.
	Prepare func(context.Context) context.Context
}

// WarmReport summarises a warm-up run.
type WarmReport struct {
	Requested int `json:"requested"`
	Warmed    int `json:"warmed"`
	Failed    int `json:"failed"`
}

// Add merges another report into r.
func (r *WarmReport) Add(other WarmReport) {
	r.Requested += other.Requested
	r.Warmed += other.Warmed
	r.Failed += other.Failed
}

// Warm populates targets through GetOrFetch with at most concurrency fetches at once.
// Failures are logged and counted, never returned. Keys that are already fresh count as
// warmed without an upstream call.
func (m *Manager[K, V]) Warm(ctx context.Context, targets []WarmTarget[K, V], concurrency int) WarmReport {
	report := WarmReport{Requested: len(targets)}
	if len(targets) == 0 {
		return report
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var warmed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, target := range targets {
		g.Go(func() error {
			lookupCtx := gctx
			if target.Prepare != nil {
				lookupCtx = target.Prepare(gctx)
			}
			if _, err := m.GetOrFetch(lookupCtx, target.Key, target.TTL, target.Fetch); err != nil {
				failed.Add(1)
				m.logger.Warn("cache warm failed", slog.String("key", string(target.Key)), slog.Any("error", err))
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Warmed = int(warmed.Load())
	report.Failed = int(failed.Load())
	m.logger.Info("cache warmed",
		slog.Int("requested", report.Requested),
		slog.Int("warmed", report.Warmed),
		slog.Int("failed", report.Failed),
	)
	return report
}

// ManagerStats is a snapshot of the manager counters and its store.
type ManagerStats struct {
	Name        string     `json:"name"`
	Hits        int64      `json:"hits"`
	Misses      int64      `json:"misses"`
	Shared      int64      `json:"shared"`
	StaleServed int64      `json:"staleServed"`
	Sets        int64      `json:"sets"`
	FetchErrors int64      `json:"fetchErrors"`
	HitRate     float64    `json:"hitRate"`
	MissRate    float64    `json:"missRate"`
	Evictions   int64      `json:"evictions"`
	InFlight    int        `json:"inFlight"`
	Store       StoreStats `json:"store"`
}

// Stats reports hit and miss rates over every GetOrFetch call so far. Both rates are zero
// before the first lookup.
func (m *Manager[K, V]) Stats(ctx context.Context) ManagerStats {
	store := m.store.Stats(ctx)
	stats := ManagerStats{
		Name:        m.name,
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		Shared:      m.shared.Load(),
		StaleServed: m.staleServed.Load(),
		Sets:        m.sets.Load(),
		FetchErrors: m.fetchErrors.Load(),
		Evictions:   store.Evictions,
		InFlight:    m.group.InFlight(),
		Store:       store,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
		stats.MissRate = float64(stats.Misses) / float64(total)
	}
	return stats
}

// Close releases the store.
func (m *Manager[K, V]) Close(ctx context.Context) error {
	return m.store.Close(ctx)
}

func (m *Manager[K, V]) observeLookup(outcome string) {
	if m.observer != nil {
		m.observer.ObserveCacheLookup(m.name, outcome)
	}
}

func (m *Manager[K, V]) observeFetch(result string, elapsed time.Duration) {
	if m.observer != nil {
		m.observer.ObserveUpstreamFetch(m.name, result, elapsed)
	}
}
