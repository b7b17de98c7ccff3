package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Resource names accepted under resources.* and in warm manifests.
const (
	ResourceProducts         = "products"
	ResourceProduct          = "product"
	ResourceCategories       = "categories"
	ResourceCategoryProducts = "categoryProducts"
	ResourcePickups          = "pickups"
	ResourceAvailability     = "availability"
)

// ResourceNames lists every cacheable resource in a stable order.
var ResourceNames = []string{
	ResourceProducts,
	ResourceProduct,
	ResourceCategories,
	ResourceCategoryProducts,
	ResourcePickups,
	ResourceAvailability,
}

// Config holds every option of the cache service.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Rezdy     RezdyConfig               `koanf:"rezdy"`
	Resources map[string]ResourceConfig `koanf:"resources"`
}

type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
	Warmup  WarmupConfig      `koanf:"warmup"`
	Admin   AdminConfig       `koanf:"admin"`
}

// AdminConfig guards the cache administration routes. An empty Token leaves them open,
// which is only suitable when the listener is reachable from trusted networks alone.
type AdminConfig struct {
	Token  string `koanf:"token"`
	Header string `koanf:"header"`
}

// ListenConfig instructs the HTTP listener about bind address, port and timeouts. Zero
// timeouts disable the corresponding limit, except ShutdownTimeoutSeconds.
type ListenConfig struct {
	Address                  string `koanf:"address"`
	Port                     int    `koanf:"port"`
	ReadHeaderTimeoutSeconds int    `koanf:"readHeaderTimeoutSeconds"`
	WriteTimeoutSeconds      int    `koanf:"writeTimeoutSeconds"`
	IdleTimeoutSeconds       int    `koanf:"idleTimeoutSeconds"`
	ShutdownTimeoutSeconds   int    `koanf:"shutdownTimeoutSeconds"`
}

func (c ListenConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

func (c ListenConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c ListenConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds how long in-flight requests may drain. Non-positive values fall
// back to five seconds.
func (c ListenConfig) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

type ServerCacheConfig struct {
	Backend             string `koanf:"backend"`
	StaleGraceSeconds   int    `koanf:"staleGraceSeconds"`
	FetchTimeoutSeconds int    `koanf:"fetchTimeoutSeconds"`

	// HonorUpstreamCacheControl caps resource TTLs by the Cache-Control header on Rezdy
	// responses.
	HonorUpstreamCacheControl bool                   `koanf:"honorUpstreamCacheControl"`
	Redis                     ServerRedisCacheConfig `koanf:"redis"`
}

// StaleGrace is how long an entry stays usable as a fallback after its TTL.
func (c ServerCacheConfig) StaleGrace() time.Duration {
	return time.Duration(c.StaleGraceSeconds) * time.Second
}

// FetchTimeout bounds one upstream fetch.
func (c ServerCacheConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

type ServerRedisCacheConfig struct {
	Address   string               `koanf:"address"`
	Username  string               `koanf:"username"`
	Password  string               `koanf:"password"`
	DB        int                  `koanf:"db"`
	Namespace string               `koanf:"namespace"`
	TLS       ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// WarmupConfig points at the manifest of keys to populate at startup.
type WarmupConfig struct {
	ManifestFile   string `koanf:"manifestFile"`
	Concurrency    int    `koanf:"concurrency"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	Watch          bool   `koanf:"watch"`
}

func (c WarmupConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type RezdyConfig struct {
	BaseURL        string `koanf:"baseURL"`
	APIKey         string `koanf:"apiKey"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

func (c RezdyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResourceConfig controls how one resource is cached. Key is a Go template or a CEL
// expression over the request parameters; CacheWhen is an optional CEL rule deciding
// whether a fetched payload is stored. A TTLSeconds of zero disables caching for the
// resource: every request goes upstream and nothing is kept for stale fallback.
type ResourceConfig struct {
	TTLSeconds int    `koanf:"ttlSeconds"`
	Key        string `koanf:"key"`
	CacheWhen  string `koanf:"cacheWhen"`
}

func (c ResourceConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Resource returns the configuration for name, falling back to the built-in default.
func (c Config) Resource(name string) ResourceConfig {
	if rc, ok := c.Resources[name]; ok {
		return rc
	}
	return defaultResources()[name]
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
// A missing Rezdy API key is deliberately accepted: requests report it individually.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	listen := c.Server.Listen
	for name, v := range map[string]int{
		"readHeaderTimeoutSeconds": listen.ReadHeaderTimeoutSeconds,
		"writeTimeoutSeconds":      listen.WriteTimeoutSeconds,
		"idleTimeoutSeconds":       listen.IdleTimeoutSeconds,
		"shutdownTimeoutSeconds":   listen.ShutdownTimeoutSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("config: server.listen.%s invalid: %d", name, v)
		}
	}
	if listen.WriteTimeoutSeconds > 0 && listen.WriteTimeoutSeconds <= c.Server.Cache.FetchTimeoutSeconds {
		return fmt.Errorf("config: server.listen.writeTimeoutSeconds (%d) must exceed server.cache.fetchTimeoutSeconds (%d)",
			listen.WriteTimeoutSeconds, c.Server.Cache.FetchTimeoutSeconds)
	}
	if c.Server.Cache.StaleGraceSeconds < 0 {
		return fmt.Errorf("config: server.cache.staleGraceSeconds invalid: %d", c.Server.Cache.StaleGraceSeconds)
	}
	if c.Server.Cache.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("config: server.cache.fetchTimeoutSeconds invalid: %d", c.Server.Cache.FetchTimeoutSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if c.Server.Warmup.Concurrency < 0 {
		return fmt.Errorf("config: server.warmup.concurrency invalid: %d", c.Server.Warmup.Concurrency)
	}
	if c.Server.Warmup.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.warmup.timeoutSeconds invalid: %d", c.Server.Warmup.TimeoutSeconds)
	}
	if c.Server.Warmup.Watch && strings.TrimSpace(c.Server.Warmup.ManifestFile) == "" {
		return errors.New("config: server.warmup.watch requires server.warmup.manifestFile")
	}
	if strings.TrimSpace(c.Server.Admin.Token) != "" && strings.TrimSpace(c.Server.Admin.Header) == "" {
		return errors.New("config: server.admin.header required when server.admin.token is set")
	}
	if c.Rezdy.TimeoutSeconds < 0 {
		return fmt.Errorf("config: rezdy.timeoutSeconds invalid: %d", c.Rezdy.TimeoutSeconds)
	}
	for name, rc := range c.Resources {
		if !slices.Contains(ResourceNames, name) {
			return fmt.Errorf("config: unknown resource %q", name)
		}
		if rc.TTLSeconds < 0 {
			return fmt.Errorf("config: resources.%s.ttlSeconds invalid: %d", name, rc.TTLSeconds)
		}
		if strings.TrimSpace(rc.Key) == "" {
			return fmt.Errorf("config: resources.%s.key required", name)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address:                  "0.0.0.0",
				Port:                     8080,
				ReadHeaderTimeoutSeconds: 10,
				WriteTimeoutSeconds:      30,
				IdleTimeoutSeconds:       120,
				ShutdownTimeoutSeconds:   5,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend:             "memory",
				StaleGraceSeconds:   3600,
				FetchTimeoutSeconds: 10,
				Redis: ServerRedisCacheConfig{
					Namespace: "pineapple",
				},
			},
			Warmup: WarmupConfig{
				Concurrency:    4,
				TimeoutSeconds: 60,
			},
			Admin: AdminConfig{
				Header: "X-Admin-Token",
			},
		},
		Rezdy: RezdyConfig{
			BaseURL:        "https://api.rezdy.com/v1",
			TimeoutSeconds: 10,
		},
		Resources: defaultResources(),
	}
}

// defaultResources escapes free-text parameters so the ':' separators stay unambiguous and
// distinct queries never share a key.
func defaultResources() map[string]ResourceConfig {
	return map[string]ResourceConfig{
		ResourceProducts:         {TTLSeconds: 300, Key: "products:{{.limit}}:{{.offset}}"},
		ResourceProduct:          {TTLSeconds: 600, Key: "product:{{.productCode | urlquery}}"},
		ResourceCategories:       {TTLSeconds: 1800, Key: "categories:{{.limit}}:{{.offset}}"},
		ResourceCategoryProducts: {TTLSeconds: 300, Key: "category:{{.categoryId}}:products:{{.limit}}:{{.offset}}"},
		ResourcePickups:          {TTLSeconds: 3600, Key: "pickups:{{.productCode | urlquery}}"},
		ResourceAvailability:     {TTLSeconds: 60, Key: "availability:{{.productCode | urlquery}}:{{.start | urlquery}}:{{.end | urlquery}}"},
	}
}
