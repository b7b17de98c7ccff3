package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/pineappletours/tourcache/internal/cache"
	"github.com/pineappletours/tourcache/internal/config"
	"github.com/pineappletours/tourcache/internal/rezdy/rezdytest"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func startMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		require.NoError(t, err)
	}
	t.Cleanup(server.Close)
	return server
}

func TestBuildBackend(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(t *testing.T) config.ServerCacheConfig
		wantKind string
	}{
		{
			name:     "defaults to memory",
			cfg:      func(*testing.T) config.ServerCacheConfig { return config.ServerCacheConfig{StaleGraceSeconds: 60} },
			wantKind: cache.BackendMemory,
		},
		{
			name: "constructs redis backend",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{
					Backend: "redis",
					Redis:   config.ServerRedisCacheConfig{Address: startMiniredis(t).Addr(), Namespace: "test"},
				}
			},
			wantKind: cache.BackendRedis,
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(*testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{
					Backend: "redis",
					Redis:   config.ServerRedisCacheConfig{Address: "127.0.0.1:1"},
				}
			},
			wantKind: cache.BackendMemory,
		},
		{
			name:     "unknown backend falls back to memory",
			cfg:      func(*testing.T) config.ServerCacheConfig { return config.ServerCacheConfig{Backend: "memcached"} },
			wantKind: cache.BackendMemory,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			backend, closeBackend := buildBackend(newTestLogger(), cfg, nil)
			t.Cleanup(closeBackend)

			require.Equal(t, tc.wantKind, backend.Kind)
			require.Equal(t, cfg.StaleGrace(), backend.StaleGrace)
			if tc.wantKind == cache.BackendRedis {
				require.NotNil(t, backend.Client)
				store := cache.NewStore[string, string](backend, "roundtrip")
				ctx := context.Background()
				store.Set(ctx, "k", "v", time.Minute)
				got, ok := store.Get(ctx, "k")
				require.True(t, ok)
				require.Equal(t, "v", got)
			} else {
				require.Nil(t, backend.Client)
			}
		})
	}
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "PINEAPPLE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: quietConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "PINEAPPLE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: quietConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "PINEAPPLE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunServesCatalogueFromRedisAndWarmsManifest(t *testing.T) {
	fake := rezdytest.New()
	t.Cleanup(fake.Close)
	redis := startMiniredis(t)

	manifest := filepath.Join(t.TempDir(), "warm.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("targets:\n  - resource: product\n    params:\n      productCode: P1\n"), 0o600))

	cfg := quietConfig()
	cfg.Rezdy.BaseURL = fake.URL
	cfg.Rezdy.APIKey = rezdytest.APIKey
	cfg.Server.Cache.Backend = cache.BackendRedis
	cfg.Server.Cache.Redis.Address = redis.Addr()
	cfg.Server.Warmup.ManifestFile = manifest

	overrideConfigLoader(t, func(_, _ string) configLoader { return &fakeLoader{cfg: cfg} })
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		return &stubServer{onRun: func() {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			require.Eventually(t, func() bool { return fake.Calls("/products/P1") == 1 }, 5*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return redis.Exists("pineapple:product:product:P1") }, 5*time.Second, 10*time.Millisecond)

			require.Equal(t, "HIT", getCacheHeader(t, srv.URL+"/api/products/P1"))
			require.Equal(t, "MISS", getCacheHeader(t, srv.URL+"/api/categories"))
			require.Equal(t, "HIT", getCacheHeader(t, srv.URL+"/api/categories"))
		}}, nil
	})

	require.NoError(t, run(context.Background(), "PINEAPPLE", ""))
	require.EqualValues(t, 1, fake.Calls("/products/P1"))
	require.EqualValues(t, 1, fake.Calls("/categories"))
}

func TestStartWarmupRewarmsOnManifestChange(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "warm.json")
	require.NoError(t, os.WriteFile(manifest, []byte(`{"targets":[{"resource":"products"}]}`), 0o600))

	rec := &recordingWarmer{}
	stop := startWarmup(context.Background(), newTestLogger(), config.WarmupConfig{
		ManifestFile:   manifest,
		Concurrency:    2,
		TimeoutSeconds: 5,
		Watch:          true,
	}, rec)
	defer stop()

	require.Eventually(t, func() bool { return rec.seen(config.ResourceProducts) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(manifest, []byte(`{"targets":[{"resource":"pickups","params":{"productCode":"P1"}}]}`), 0o600))
	require.Eventually(t, func() bool { return rec.seen(config.ResourcePickups) }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, rec.lastConcurrency())
}

func TestStartWarmupWithoutManifestIsNoop(t *testing.T) {
	rec := &recordingWarmer{}
	stop := startWarmup(context.Background(), newTestLogger(), config.WarmupConfig{}, rec)
	stop()
	require.False(t, rec.seen(config.ResourceProducts))
}

func TestStartWarmupLogsMissingManifest(t *testing.T) {
	rec := &recordingWarmer{}
	stop := startWarmup(context.Background(), newTestLogger(), config.WarmupConfig{
		ManifestFile: filepath.Join(t.TempDir(), "missing.yaml"),
	}, rec)
	stop()
	require.False(t, rec.seen(config.ResourceProducts))
}

func quietConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "error"
	return cfg
}

func getCacheHeader(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp.Header.Get("X-Cache")
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg     config.Config
	loadErr error
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

type stubServer struct {
	err   error
	onRun func()
}

func (s *stubServer) Run(context.Context) error {
	if s.onRun != nil {
		s.onRun()
	}
	return s.err
}

type recordingWarmer struct {
	mu          sync.Mutex
	resources   map[string]bool
	concurrency int
}

func (r *recordingWarmer) Warm(_ context.Context, manifest config.WarmManifest, concurrency int) cache.WarmReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resources == nil {
		r.resources = make(map[string]bool)
	}
	for _, target := range manifest.Targets {
		r.resources[target.Resource] = true
	}
	r.concurrency = concurrency
	return cache.WarmReport{Requested: len(manifest.Targets), Warmed: len(manifest.Targets)}
}

func (r *recordingWarmer) seen(resource string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resources[resource]
}

func (r *recordingWarmer) lastConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrency
}
