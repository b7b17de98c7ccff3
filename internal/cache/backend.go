package cache

import (
	"log/slog"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Backend carries what every store built for one process shares: the backend kind, the
// redis client when one is configured, and the store options common to all resources.
type Backend struct {
	Kind       string
	Client     valkey.Client
	Namespace  string
	StaleGrace time.Duration
	Logger     *slog.Logger
	Observer   EvictionObserver
	Now        func() time.Time
}

// NewStore builds a store named name on the configured backend. A redis backend without a
// client degrades to memory.
func NewStore[K ~string, V any](b Backend, name string) Store[K, V] {
	opts := []StoreOption{
		WithName(name),
		WithStaleGrace(b.StaleGrace),
		WithClock(b.Now),
		WithStoreLogger(b.Logger),
	}
	if b.Observer != nil {
		opts = append(opts, WithEvictionObserver(b.Observer))
	}
	if b.Kind == BackendRedis && b.Client != nil {
		return NewRedis[K, V](b.Client, b.Namespace, opts...)
	}
	return NewMemory[K, V](opts...)
}
