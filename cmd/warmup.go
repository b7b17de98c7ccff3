package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pineappletours/tourcache/internal/cache"
	"github.com/pineappletours/tourcache/internal/config"
)

type warmer interface {
	Warm(ctx context.Context, manifest config.WarmManifest, concurrency int) cache.WarmReport
}

type manifestWatcher interface {
	Stop()
}

var watchManifest = func(ctx context.Context, path string, onChange func(config.WarmManifest), onError func(error)) (manifestWatcher, error) {
	w, err := config.WatchManifest(ctx, path, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// startWarmup warms the manifest in the background so the listener is not held up by a
// slow upstream. With watch enabled every manifest change is warmed again; a reload that
// arrives while a warm is running replaces any manifest still queued. The returned func
// stops watching and waits for the worker.
func startWarmup(ctx context.Context, logger *slog.Logger, cfg config.WarmupConfig, w warmer) func() {
	path := strings.TrimSpace(cfg.ManifestFile)
	if path == "" {
		return func() {}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	queue := make(chan config.WarmManifest, 1)
	submit := func(m config.WarmManifest) {
		for {
			select {
			case queue <- m:
				return
			default:
				select {
				case <-queue:
				default:
				}
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-workerCtx.Done():
				return
			case m := <-queue:
				warmOnce(workerCtx, logger, cfg, w, m)
			}
		}
	}()

	var watcher manifestWatcher
	if cfg.Watch {
		var err error
		watcher, err = watchManifest(workerCtx, path, submit, func(err error) {
			logger.Error("warm manifest watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("warm manifest watcher setup failed", slog.String("manifest", path), slog.Any("error", err))
		}
	} else {
		manifest, err := config.LoadManifest(workerCtx, path)
		if err != nil {
			logger.Error("warm manifest load failed", slog.String("manifest", path), slog.Any("error", err))
		} else {
			submit(manifest)
		}
	}

	return func() {
		if watcher != nil {
			watcher.Stop()
		}
		cancel()
		wg.Wait()
	}
}

func warmOnce(ctx context.Context, logger *slog.Logger, cfg config.WarmupConfig, w warmer, manifest config.WarmManifest) {
	warmCtx := ctx
	if timeout := cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		warmCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	report := w.Warm(warmCtx, manifest, cfg.Concurrency)
	logger.Info("cache warm-up finished",
		slog.Int("requested", report.Requested),
		slog.Int("warmed", report.Warmed),
		slog.Int("failed", report.Failed),
	)
}
