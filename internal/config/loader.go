package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pineappletours/tourcache/internal/expr"
	"github.com/pineappletours/tourcache/internal/templates"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration, validates it, and compiles every resource
// key and cacheWhen expression once so broken expressions fail at startup.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := canonicalKeys()
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := validateResourceExpressions(cfg.Resources); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateResourceExpressions(resources map[string]ResourceConfig) error {
	keys, err := expr.NewHybridEvaluator(templates.NewRenderer())
	if err != nil {
		return err
	}
	rules, err := expr.NewEnvironment()
	if err != nil {
		return err
	}
	for name, rc := range resources {
		if _, err := keys.CompileKey(name, rc.Key); err != nil {
			return fmt.Errorf("config: resources.%s.key: %w", name, err)
		}
		if _, err := rules.CompileCacheRule(rc.CacheWhen); err != nil {
			return fmt.Errorf("config: resources.%s.cacheWhen: %w", name, err)
		}
	}
	return nil
}

// canonicalKeys maps lower-cased env paths back to their camelCase koanf keys.
func canonicalKeys() map[string]string {
	keys := []string{
		"server.listen.readHeaderTimeoutSeconds",
		"server.listen.writeTimeoutSeconds",
		"server.listen.idleTimeoutSeconds",
		"server.listen.shutdownTimeoutSeconds",
		"server.logging.correlationHeader",
		"server.cache.staleGraceSeconds",
		"server.cache.fetchTimeoutSeconds",
		"server.cache.honorUpstreamCacheControl",
		"server.cache.redis.tls.caFile",
		"server.warmup.manifestFile",
		"server.warmup.timeoutSeconds",
		"rezdy.baseURL",
		"rezdy.apiKey",
		"rezdy.timeoutSeconds",
	}
	for _, name := range ResourceNames {
		keys = append(keys,
			"resources."+name+".ttlSeconds",
			"resources."+name+".key",
			"resources."+name+".cacheWhen",
		)
	}
	canonical := make(map[string]string, len(keys))
	for _, key := range keys {
		canonical[strings.ToLower(key)] = key
	}
	return canonical
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	resources := make(map[string]any, len(cfg.Resources))
	for name, rc := range cfg.Resources {
		resources[name] = map[string]any{
			"ttlSeconds": rc.TTLSeconds,
			"key":        rc.Key,
			"cacheWhen":  rc.CacheWhen,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address":                  cfg.Server.Listen.Address,
				"port":                     cfg.Server.Listen.Port,
				"readHeaderTimeoutSeconds": cfg.Server.Listen.ReadHeaderTimeoutSeconds,
				"writeTimeoutSeconds":      cfg.Server.Listen.WriteTimeoutSeconds,
				"idleTimeoutSeconds":       cfg.Server.Listen.IdleTimeoutSeconds,
				"shutdownTimeoutSeconds":   cfg.Server.Listen.ShutdownTimeoutSeconds,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cache": map[string]any{
				"backend":                   cfg.Server.Cache.Backend,
				"staleGraceSeconds":         cfg.Server.Cache.StaleGraceSeconds,
				"fetchTimeoutSeconds":       cfg.Server.Cache.FetchTimeoutSeconds,
				"honorUpstreamCacheControl": cfg.Server.Cache.HonorUpstreamCacheControl,
				"redis": map[string]any{
					"address":   cfg.Server.Cache.Redis.Address,
					"username":  cfg.Server.Cache.Redis.Username,
					"password":  cfg.Server.Cache.Redis.Password,
					"db":        cfg.Server.Cache.Redis.DB,
					"namespace": cfg.Server.Cache.Redis.Namespace,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"warmup": map[string]any{
				"manifestFile":   cfg.Server.Warmup.ManifestFile,
				"concurrency":    cfg.Server.Warmup.Concurrency,
				"timeoutSeconds": cfg.Server.Warmup.TimeoutSeconds,
				"watch":          cfg.Server.Warmup.Watch,
			},
			"admin": map[string]any{
				"token":  cfg.Server.Admin.Token,
				"header": cfg.Server.Admin.Header,
			},
		},
		"rezdy": map[string]any{
			"baseURL":        cfg.Rezdy.BaseURL,
			"apiKey":         cfg.Rezdy.APIKey,
			"timeoutSeconds": cfg.Rezdy.TimeoutSeconds,
		},
		"resources": resources,
	}
}
