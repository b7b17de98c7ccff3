package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const scanBatch = 200

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// NewRedisClient dials valkey/redis and verifies the connection with a PING.
func NewRedisClient(cfg RedisConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return client, nil
}

type redisStore[K ~string, V any] struct {
	client    valkey.Client
	namespace string
	opts      storeOptions
	logger    *slog.Logger

	evictions atomic.Int64
}

// NewRedis stores entries as JSON under "<namespace>:<name>:<key>". Redis expires keys
// once TTL plus the stale grace has elapsed, so the grace window survives in the backend.
// The client is shared and owned by the caller; Close does not close it.
func NewRedis[K ~string, V any](client valkey.Client, namespace string, opts ...StoreOption) Store[K, V] {
	o := buildStoreOptions(opts)
	if namespace == "" {
		namespace = "pineapple"
	}
	return &redisStore[K, V]{
		client:    client,
		namespace: namespace + ":" + o.name + ":",
		opts:      o,
		logger:    o.logger.With(slog.String("agent", "redis_store"), slog.String("cache", o.name)),
	}
}

func (s *redisStore[K, V]) Get(ctx context.Context, key K) (V, bool) {
	return s.lookup(ctx, key, Fresh)
}

func (s *redisStore[K, V]) Stale(ctx context.Context, key K) (V, bool) {
	return s.lookup(ctx, key, Stale)
}

func (s *redisStore[K, V]) lookup(ctx context.Context, key K, worst Freshness) (V, bool) {
	var zero V
	full := s.namespace + string(key)
	resp := s.client.Do(ctx, s.client.B().Get().Key(full).Build())
	payload, err := resp.AsBytes()
	if err != nil {
		if !valkey.IsValkeyNil(err) {
			s.logger.Warn("redis get failed", slog.String("key", string(key)), slog.Any("error", err))
		}
		return zero, false
	}
	var entry Entry[V]
	if err := json.Unmarshal(payload, &entry); err != nil {
		s.logger.Warn("redis entry corrupted", slog.String("key", string(key)), slog.Any("error", err))
		s.delete(ctx, full)
		return zero, false
	}
	state := entry.Freshness(s.opts.now(), s.opts.grace)
	if state == Expired {
		s.delete(ctx, full)
		s.evictions.Add(1)
		s.opts.evicted(1)
		return zero, false
	}
	if state > worst {
		return zero, false
	}
	return entry.Value, true
}

func (s *redisStore[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	entry := Entry[V]{Key: string(key), Value: value, WrittenAt: s.opts.now(), TTL: ttl}
	payload, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("redis marshal failed", slog.String("key", string(key)), slog.Any("error", err))
		return
	}
	full := s.namespace + string(key)
	lifetime := ttl + s.opts.grace
	if lifetime <= 0 {
		// Never fresh and no grace: nothing could read it back.
		s.delete(ctx, full)
		return
	}
	cmd := s.client.B().Set().Key(full).Value(string(payload)).Px(lifetime).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.logger.Warn("redis set failed", slog.String("key", string(key)), slog.Any("error", err))
	}
}

func (s *redisStore[K, V]) Invalidate(ctx context.Context, prefix string) int {
	removed := 0
	err := s.scan(ctx, prefix, func(keys []string) error {
		n, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
		if err != nil {
			return err
		}
		removed += int(n)
		return nil
	})
	if err != nil {
		s.logger.Warn("redis invalidate failed", slog.String("prefix", prefix), slog.Any("error", err))
	}
	if removed > 0 {
		s.evictions.Add(int64(removed))
		s.opts.evicted(removed)
	}
	return removed
}

func (s *redisStore[K, V]) Stats(ctx context.Context) StoreStats {
	stats := StoreStats{Evictions: s.evictions.Load()}
	now := s.opts.now()
	err := s.scan(ctx, "", func(keys []string) error {
		values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
		if err != nil {
			return err
		}
		for i, msg := range values {
			payload, err := msg.AsBytes()
			if err != nil {
				continue
			}
			var entry Entry[V]
			if err := json.Unmarshal(payload, &entry); err != nil {
				continue
			}
			stats.Size++
			stats.MemoryUsageEstimate += int64(len(keys[i]) + len(payload))
			switch entry.Freshness(now, s.opts.grace) {
			case Fresh:
				stats.Fresh++
			case Stale:
				stats.Stale++
			default:
				stats.Expired++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("redis stats failed", slog.Any("error", err))
	}
	return stats
}

func (s *redisStore[K, V]) Close(context.Context) error {
	return nil
}

// scan walks every key of this store starting with prefix in batches.
func (s *redisStore[K, V]) scan(ctx context.Context, prefix string, fn func(keys []string) error) error {
	pattern := escapeGlob(s.namespace+prefix) + "*"
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := fn(entry.Elements); err != nil {
				return err
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (s *redisStore[K, V]) delete(ctx context.Context, full string) {
	if err := s.client.Do(ctx, s.client.B().Del().Key(full).Build()).Error(); err != nil {
		s.logger.Warn("redis delete failed", slog.String("key", full), slog.Any("error", err))
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
