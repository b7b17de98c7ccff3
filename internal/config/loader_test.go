package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr string
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Server.Cache.Backend)
				require.Equal(t, 3600, cfg.Server.Cache.StaleGraceSeconds)
				require.Equal(t, "https://api.rezdy.com/v1", cfg.Rezdy.BaseURL)
				require.Empty(t, cfg.Rezdy.APIKey)
				require.Len(t, cfg.Resources, len(ResourceNames))
				require.Equal(t, 300, cfg.Resources[ResourceCategoryProducts].TTLSeconds)
				require.Equal(t, "category:{{.categoryId}}:products:{{.limit}}:{{.offset}}", cfg.Resources[ResourceCategoryProducts].Key)
			},
		},
		{
			name: "merges yaml file overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\nresources:\n  availability:\n    ttlSeconds: 15\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 15, cfg.Resources[ResourceAvailability].TTLSeconds)
				require.Equal(t, "availability:{{.productCode | urlquery}}:{{.start | urlquery}}:{{.end | urlquery}}", cfg.Resources[ResourceAvailability].Key, "file overrides keep default keys")
			},
		},
		{
			name: "merges toml file overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.toml", "[server.cache]\nbackend = \"memory\"\nstaleGraceSeconds = 120\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 120, cfg.Server.Cache.StaleGraceSeconds)
			},
		},
		{
			name: "merges json file overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.json", `{"rezdy":{"baseURL":"http://rezdy.local"}}`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "http://rezdy.local", cfg.Rezdy.BaseURL)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("PINEAPPLE_SERVER__LISTEN__PORT", "9091")
				t.Setenv("PINEAPPLE_REZDY__APIKEY", "secret")
				t.Setenv("PINEAPPLE_SERVER__CACHE__FETCHTIMEOUTSECONDS", "3")
				t.Setenv("PINEAPPLE_RESOURCES__CATEGORYPRODUCTS__TTLSECONDS", "42")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, "secret", cfg.Rezdy.APIKey)
				require.Equal(t, 3, cfg.Server.Cache.FetchTimeoutSeconds)
				require.Equal(t, 42, cfg.Resources[ResourceCategoryProducts].TTLSeconds)
			},
		},
		{
			name: "accepts cel key expressions",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.yaml", "resources:\n  pickups:\n    key: '\"pickups:\" + params.productCode'\n    cacheWhen: 'size(data) > 0'\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, `"pickups:" + params.productCode`, cfg.Resources[ResourcePickups].Key)
				require.Equal(t, "size(data) > 0", cfg.Resources[ResourcePickups].CacheWhen)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: "not found",
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.ini", "port=1")}
			},
			wantErr: "unsupported file extension",
		},
		{
			name: "fails on unknown resource",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.yaml", "resources:\n  bookings:\n    ttlSeconds: 10\n    key: bookings\n")}
			},
			wantErr: `unknown resource "bookings"`,
		},
		{
			name: "fails on broken cacheWhen",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "server.yaml", "resources:\n  products:\n    cacheWhen: 'size(data.products) >'\n")}
			},
			wantErr: "resources.products.cacheWhen",
		},
		{
			name: "fails on redis backend without address",
			setup: func(t *testing.T) []string {
				t.Setenv("PINEAPPLE_SERVER__CACHE__BACKEND", "redis")
				return nil
			},
			wantErr: "redis.address required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewLoader("PINEAPPLE", tc.setup(t)...).Load(context.Background())
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")

	_, err := NewLoader("PINEAPPLE", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
