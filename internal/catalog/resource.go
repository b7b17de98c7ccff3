package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pineappletours/tourcache/internal/cache"
	"github.com/pineappletours/tourcache/internal/expr"
	"github.com/pineappletours/tourcache/internal/rezdy"
)

type builder struct {
	opts   Options
	logger *slog.Logger
	hybrid *expr.HybridEvaluator
	env    *expr.Environment
}

// resource binds one cache manager to the key expression and cache rule of its resource.
type resource[K ~string, V any] struct {
	name              string
	ttl               time.Duration
	key               *expr.KeyExpression
	rule              *expr.CacheRule
	honorCacheControl bool
	logger            *slog.Logger
	manager           *cache.Manager[K, V]
}

func newResource[K ~string, V any](b builder, name string) (*resource[K, V], error) {
	rc := b.opts.Config.Resource(name)
	key, err := b.hybrid.CompileKey(name, rc.Key)
	if err != nil {
		return nil, fmt.Errorf("catalog: resource %s: %w", name, err)
	}
	rule, err := b.env.CompileCacheRule(rc.CacheWhen)
	if err != nil {
		return nil, fmt.Errorf("catalog: resource %s cacheWhen: %w", name, err)
	}

	r := &resource[K, V]{
		name:              name,
		ttl:               rc.TTL(),
		key:               key,
		rule:              rule,
		honorCacheControl: b.opts.Config.Server.Cache.HonorUpstreamCacheControl,
		logger:            b.logger.With(slog.String("resource", name)),
	}
	r.manager = cache.NewManager(cache.ManagerConfig[K, V]{
		Name:         name,
		Store:        cache.NewStore[K, V](b.opts.Backend, name),
		Logger:       b.opts.Logger,
		Observer:     b.opts.Observer,
		FetchTimeout: b.opts.Config.Server.Cache.FetchTimeout(),
		Admit:        r.admit,
		SkipFallback: rezdy.IsConfiguration,
	})
	return r, nil
}

func (r *resource[K, V]) render(params map[string]any) (K, error) {
	key, err := r.key.Render(params)
	if err != nil {
		return "", fmt.Errorf("catalog: %s key: %w", r.name, err)
	}
	return K(key), nil
}

func (r *resource[K, V]) get(ctx context.Context, params map[string]any, fetch cache.Fetcher[V]) (Response[V], error) {
	key, err := r.render(params)
	if err != nil {
		return Response[V]{}, err
	}
	result, err := r.manager.GetOrFetch(r.fetchContext(ctx, params), key, r.ttl, fetch)
	if err != nil {
		return Response[V]{}, err
	}
	return Response[V]{Result: result, Resource: r.name, TTL: r.ttl}, nil
}

// admit applies the cacheWhen rule. Evaluation errors keep the payload out of the cache.
func (r *resource[K, V]) admit(ctx context.Context, key K, value V) bool {
	if r.rule == nil {
		return true
	}
	ok, err := r.rule.Admit(r.name, string(key), paramsFrom(ctx), value)
	if err != nil {
		r.logger.Warn("cache rule evaluation failed", slog.String("key", string(key)), slog.Any("error", err))
		return false
	}
	return ok
}

// fetchContext carries what the fetch needs besides its deadline: the request parameters
// for cacheWhen and, when enabled, the hook that caps the TTL by upstream Cache-Control.
func (r *resource[K, V]) fetchContext(ctx context.Context, params map[string]any) context.Context {
	ctx = withParams(ctx, params)
	if r.honorCacheControl {
		ctx = rezdy.WithHeaderObserver(ctx, capTTL)
	}
	return ctx
}

func capTTL(ctx context.Context, header http.Header) {
	cache.CapTTL(ctx, header.Get("Cache-Control"))
}

type paramsContextKey struct{}

func withParams(ctx context.Context, params map[string]any) context.Context {
	return context.WithValue(ctx, paramsContextKey{}, params)
}

func paramsFrom(ctx context.Context) map[string]any {
	if params, ok := ctx.Value(paramsContextKey{}).(map[string]any); ok {
		return params
	}
	return map[string]any{}
}

type warmBatch interface {
	run(ctx context.Context, concurrency int) cache.WarmReport
}

type resourceBatch[K ~string, V any] struct {
	resource *resource[K, V]
	targets  []cache.WarmTarget[K, V]
}

func (b *resourceBatch[K, V]) run(ctx context.Context, concurrency int) cache.WarmReport {
	return b.resource.manager.Warm(ctx, b.targets, concurrency)
}

func addWarmTarget[K ~string, V any](batches map[string]warmBatch, r *resource[K, V], params map[string]any, fetch cache.Fetcher[V]) error {
	key, err := r.render(params)
	if err != nil {
		return err
	}
	batch, _ := batches[r.name].(*resourceBatch[K, V])
	if batch == nil {
		batch = &resourceBatch[K, V]{resource: r}
		batches[r.name] = batch
	}
	batch.targets = append(batch.targets, cache.WarmTarget[K, V]{
		Key:   key,
		TTL:   r.ttl,
		Fetch: fetch,
		Prepare: func(ctx context.Context) context.Context {
			return r.fetchContext(ctx, params)
		},
	})
	return nil
}
