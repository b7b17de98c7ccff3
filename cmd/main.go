package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pineappletours/tourcache/internal/cache"
	"github.com/pineappletours/tourcache/internal/catalog"
	"github.com/pineappletours/tourcache/internal/config"
	"github.com/pineappletours/tourcache/internal/logging"
	"github.com/pineappletours/tourcache/internal/metrics"
	"github.com/pineappletours/tourcache/internal/rezdy"
	"github.com/pineappletours/tourcache/internal/server"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PINEAPPLE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	backend, closeBackend := buildBackend(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache, recorder)
	defer closeBackend()

	client := rezdy.NewClient(rezdy.Config{
		BaseURL: cfg.Rezdy.BaseURL,
		APIKey:  cfg.Rezdy.APIKey,
		Timeout: cfg.Rezdy.Timeout(),
	})
	if !client.Configured() {
		logger.Warn("rezdy api key not configured, catalogue requests will fail until it is set")
	}

	cat, err := catalog.New(catalog.Options{
		Upstream: client,
		Config:   cfg,
		Backend:  backend,
		Logger:   logger,
		Observer: recorder,
	})
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cat.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	stopWarmup := startWarmup(ctx, logger.With(slog.String("agent", "warmup")), cfg.Server.Warmup, cat)
	defer stopWarmup()

	handler := server.NewHandler(server.HandlerOptions{
		Catalog:            cat,
		Metrics:            recorder,
		Logger:             logger,
		CorrelationHeader:  cfg.Server.Logging.CorrelationHeader,
		UpstreamConfigured: client.Configured(),
		AdminToken:         cfg.Server.Admin.Token,
		AdminHeader:        cfg.Server.Admin.Header,
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildBackend selects the store backend. An unreachable redis degrades to memory so the
// service still starts. The returned func releases the redis client, if any.
func buildBackend(logger *slog.Logger, cfg config.ServerCacheConfig, observer cache.EvictionObserver) (cache.Backend, func()) {
	backend := cache.Backend{
		Kind:       cache.BackendMemory,
		Namespace:  cfg.Redis.Namespace,
		StaleGrace: cfg.StaleGrace(),
		Logger:     logger,
		Observer:   observer,
	}
	noop := func() {}

	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", cache.BackendMemory:
		logger.Info("using memory cache", slog.Duration("stale_grace", backend.StaleGrace))
		return backend, noop
	case cache.BackendRedis:
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return backend, noop
		}
		logger.Info("using redis cache", slog.String("address", cfg.Redis.Address), slog.String("namespace", cfg.Redis.Namespace))
		backend.Kind = cache.BackendRedis
		backend.Client = client
		return backend, client.Close
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return backend, noop
	}
}
