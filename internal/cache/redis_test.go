package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	valkey "github.com/valkey-io/valkey-go"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, valkey.Client) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	client, err := NewRedisClient(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	t.Cleanup(client.Close)
	return server, client
}

func TestNewRedisClientRequiresAddress(t *testing.T) {
	_, err := NewRedisClient(RedisConfig{})
	require.Error(t, err)
}

func TestNewRedisClientRejectsMissingCAFile(t *testing.T) {
	_, err := NewRedisClient(RedisConfig{
		Address: "127.0.0.1:6379",
		TLS:     RedisTLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"},
	})
	require.ErrorContains(t, err, "read redis ca file")
}

func TestRedisStoreLookupAndGrace(t *testing.T) {
	server, client := newTestRedis(t)
	ctx := context.Background()
	clock := newFakeClock()
	store := NewRedis[string, []string](client, "pineapple",
		WithName("categoryProducts"),
		WithClock(clock.Now),
		WithStaleGrace(time.Minute),
	)

	store.Set(ctx, "cat:1", []string{"p1", "p2"}, 10*time.Second)
	require.True(t, server.Exists("pineapple:categoryProducts:cat:1"))
	require.Equal(t, 70*time.Second, server.TTL("pineapple:categoryProducts:cat:1"))

	got, ok := store.Get(ctx, "cat:1")
	require.True(t, ok)
	require.Equal(t, []string{"p1", "p2"}, got)

	clock.Advance(11 * time.Second)
	_, ok = store.Get(ctx, "cat:1")
	require.False(t, ok)
	got, ok = store.Stale(ctx, "cat:1")
	require.True(t, ok)
	require.Equal(t, []string{"p1", "p2"}, got)

	server.FastForward(71 * time.Second)
	_, ok = store.Stale(ctx, "cat:1")
	require.False(t, ok, "redis must drop the key after ttl plus grace")
}

func TestRedisStoreZeroTTLIsNeverFresh(t *testing.T) {
	server, client := newTestRedis(t)
	ctx := context.Background()
	store := NewRedis[string, string](client, "pineapple", WithName("products"), WithStaleGrace(time.Minute))

	store.Set(ctx, "cat:0", "v", 0)
	require.Equal(t, time.Minute, server.TTL("pineapple:products:cat:0"))
	_, ok := store.Get(ctx, "cat:0")
	require.False(t, ok)

	noGrace := NewRedis[string, string](client, "pineapple", WithName("pickups"), WithStaleGrace(0))
	noGrace.Set(ctx, "p:0", "v", 0)
	require.False(t, server.Exists("pineapple:pickups:p:0"))
}

func TestRedisStoreExpiredEnvelopeIsEvicted(t *testing.T) {
	server, client := newTestRedis(t)
	ctx := context.Background()
	clock := newFakeClock()
	evictions := &evictionCounter{}
	store := NewRedis[string, string](client, "ns",
		WithName("product"),
		WithClock(clock.Now),
		WithStaleGrace(time.Second),
		WithEvictionObserver(evictions),
	)

	store.Set(ctx, "product:P1", "v", time.Second)
	clock.Advance(time.Hour)

	_, ok := store.Stale(ctx, "product:P1")
	require.False(t, ok)
	require.False(t, server.Exists("ns:product:product:P1"))
	require.Equal(t, 1, evictions.get("product"))
}

func TestRedisStoreCorruptedEntryIsMiss(t *testing.T) {
	server, client := newTestRedis(t)
	ctx := context.Background()
	store := NewRedis[string, int](client, "ns", WithName("pickups"))

	require.NoError(t, server.Set("ns:pickups:pickups:P1", "{not json"))

	_, ok := store.Get(ctx, "pickups:P1")
	require.False(t, ok)
	require.False(t, server.Exists("ns:pickups:pickups:P1"))
}

func TestRedisStoreInvalidateIsScopedToStore(t *testing.T) {
	server, client := newTestRedis(t)
	ctx := context.Background()
	categories := NewRedis[string, string](client, "ns", WithName("categories"))
	products := NewRedis[string, string](client, "ns", WithName("products"))

	categories.Set(ctx, "cat:4", "v", time.Minute)
	categories.Set(ctx, "cat:5", "v", time.Minute)
	categories.Set(ctx, "other", "v", time.Minute)
	products.Set(ctx, "cat:4", "v", time.Minute)

	require.Equal(t, 2, categories.Invalidate(ctx, "cat:"))
	_, ok := categories.Get(ctx, "cat:4")
	require.False(t, ok)
	_, ok = categories.Get(ctx, "other")
	require.True(t, ok)
	require.True(t, server.Exists("ns:products:cat:4"))
}

func TestRedisStoreInvalidateTreatsGlobCharactersLiterally(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	store := NewRedis[string, string](client, "ns", WithName("products"))

	store.Set(ctx, "products:100:0", "v", time.Minute)

	require.Equal(t, 0, store.Invalidate(ctx, "*"))
	_, ok := store.Get(ctx, "products:100:0")
	require.True(t, ok)
}

func TestRedisStoreStats(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	clock := newFakeClock()
	store := NewRedis[string, string](client, "ns",
		WithName("availability"),
		WithClock(clock.Now),
		WithStaleGrace(time.Minute),
	)

	store.Set(ctx, "a", "x", time.Hour)
	store.Set(ctx, "b", "y", 10*time.Second)
	clock.Advance(30 * time.Second)

	stats := store.Stats(ctx)
	require.Equal(t, 2, stats.Size)
	require.Equal(t, 1, stats.Fresh)
	require.Equal(t, 1, stats.Stale)
	require.Positive(t, stats.MemoryUsageEstimate)

	store.Invalidate(ctx, "")
	require.Equal(t, int64(2), store.Stats(ctx).Evictions)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	_, client := newTestRedis(t)

	mem := NewStore[string, string](Backend{Kind: BackendMemory}, "products")
	_, isMemory := mem.(*memoryStore[string, string])
	require.True(t, isMemory)

	red := NewStore[string, string](Backend{Kind: BackendRedis, Client: client, Namespace: "ns"}, "products")
	_, isRedis := red.(*redisStore[string, string])
	require.True(t, isRedis)

	fallback := NewStore[string, string](Backend{Kind: BackendRedis}, "products")
	_, isMemory = fallback.(*memoryStore[string, string])
	require.True(t, isMemory)
}
