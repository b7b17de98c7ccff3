// Package catalog serves Rezdy resources through one typed read-through cache per resource.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pineappletours/tourcache/internal/cache"
	"github.com/pineappletours/tourcache/internal/config"
	"github.com/pineappletours/tourcache/internal/expr"
	"github.com/pineappletours/tourcache/internal/rezdy"
	"github.com/pineappletours/tourcache/internal/templates"
)

// Key families. Each resource cache only accepts keys of its own family.
type (
	ProductsKey         string
	ProductKey          string
	CategoriesKey       string
	CategoryProductsKey string
	PickupsKey          string
	AvailabilityKey     string
)

// ErrInvalidParams marks requests whose parameters cannot address a resource.
var ErrInvalidParams = errors.New("catalog: invalid parameters")

// Upstream is the subset of the Rezdy client the catalog reads through.
type Upstream interface {
	ListProducts(ctx context.Context, limit, offset int) (rezdy.ProductPage, error)
	GetProduct(ctx context.Context, productCode string) (rezdy.Product, error)
	ListCategories(ctx context.Context, limit, offset int) (rezdy.CategoryPage, error)
	ListCategoryProducts(ctx context.Context, categoryID int64, limit, offset int) (rezdy.ProductPage, error)
	ListPickups(ctx context.Context, productCode string) ([]rezdy.PickupLocation, error)
	Availability(ctx context.Context, q rezdy.AvailabilityQuery) ([]rezdy.Session, error)
}

// Options wires a Catalog. Upstream is required.
type Options struct {
	Upstream Upstream
	Config   config.Config
	Backend  cache.Backend
	Logger   *slog.Logger
	Observer cache.Observer
}

// Response is a cache result together with the TTL its resource is cached for.
type Response[V any] struct {
	cache.Result[V]
	Resource string        `json:"-"`
	TTL      time.Duration `json:"-"`
}

// managed is the type-erased view of a resource cache used for fan-out operations.
type managed interface {
	Name() string
	Invalidate(ctx context.Context, prefix string) int
	Stats(ctx context.Context) cache.ManagerStats
	Close(ctx context.Context) error
}

type Catalog struct {
	upstream Upstream
	logger   *slog.Logger
	grace    time.Duration

	products         *resource[ProductsKey, rezdy.ProductPage]
	product          *resource[ProductKey, rezdy.Product]
	categories       *resource[CategoriesKey, rezdy.CategoryPage]
	categoryProducts *resource[CategoryProductsKey, rezdy.ProductPage]
	pickups          *resource[PickupsKey, []rezdy.PickupLocation]
	availability     *resource[AvailabilityKey, []rezdy.Session]

	all []managed
}

// New compiles every resource's key expression and cache rule and builds its cache on the
// configured backend. Expression errors fail construction.
func New(opts Options) (*Catalog, error) {
	if opts.Upstream == nil {
		return nil, errors.New("catalog: upstream required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "catalog"))

	hybrid, err := expr.NewHybridEvaluator(templates.NewRenderer())
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	b := builder{opts: opts, logger: logger, hybrid: hybrid, env: env}

	c := &Catalog{upstream: opts.Upstream, logger: logger, grace: opts.Backend.StaleGrace}
	if c.products, err = newResource[ProductsKey, rezdy.ProductPage](b, config.ResourceProducts); err != nil {
		return nil, err
	}
	if c.product, err = newResource[ProductKey, rezdy.Product](b, config.ResourceProduct); err != nil {
		return nil, err
	}
	if c.categories, err = newResource[CategoriesKey, rezdy.CategoryPage](b, config.ResourceCategories); err != nil {
		return nil, err
	}
	if c.categoryProducts, err = newResource[CategoryProductsKey, rezdy.ProductPage](b, config.ResourceCategoryProducts); err != nil {
		return nil, err
	}
	if c.pickups, err = newResource[PickupsKey, []rezdy.PickupLocation](b, config.ResourcePickups); err != nil {
		return nil, err
	}
	if c.availability, err = newResource[AvailabilityKey, []rezdy.Session](b, config.ResourceAvailability); err != nil {
		return nil, err
	}
	c.all = []managed{
		c.products.manager,
		c.product.manager,
		c.categories.manager,
		c.categoryProducts.manager,
		c.pickups.manager,
		c.availability.manager,
	}
	return c, nil
}

// StaleGrace is how long entries remain usable as a fallback after their TTL.
func (c *Catalog) StaleGrace() time.Duration { return c.grace }

func (c *Catalog) Products(ctx context.Context, limit, offset int) (Response[rezdy.ProductPage], error) {
	page := NormalizePage(limit, offset)
	return c.products.get(ctx, page.params(), c.fetchProducts(page))
}

func (c *Catalog) Product(ctx context.Context, productCode string) (Response[rezdy.Product], error) {
	code, err := requireCode(productCode)
	if err != nil {
		return Response[rezdy.Product]{}, err
	}
	return c.product.get(ctx, codeParams(code), c.fetchProduct(code))
}

func (c *Catalog) Categories(ctx context.Context, limit, offset int) (Response[rezdy.CategoryPage], error) {
	page := NormalizePage(limit, offset)
	return c.categories.get(ctx, page.params(), c.fetchCategories(page))
}

func (c *Catalog) CategoryProducts(ctx context.Context, categoryID int64, limit, offset int) (Response[rezdy.ProductPage], error) {
	if categoryID <= 0 {
		return Response[rezdy.ProductPage]{}, fmt.Errorf("%w: categoryId must be positive", ErrInvalidParams)
	}
	page := NormalizePage(limit, offset)
	return c.categoryProducts.get(ctx, categoryParams(categoryID, page), c.fetchCategoryProducts(categoryID, page))
}

func (c *Catalog) Pickups(ctx context.Context, productCode string) (Response[[]rezdy.PickupLocation], error) {
	code, err := requireCode(productCode)
	if err != nil {
		return Response[[]rezdy.PickupLocation]{}, err
	}
	return c.pickups.get(ctx, codeParams(code), c.fetchPickups(code))
}

func (c *Catalog) Availability(ctx context.Context, q rezdy.AvailabilityQuery) (Response[[]rezdy.Session], error) {
	q, err := normalizeAvailability(q)
	if err != nil {
		return Response[[]rezdy.Session]{}, err
	}
	return c.availability.get(ctx, availabilityParams(q), c.fetchAvailability(q))
}

// InvalidateReport lists how many entries each resource dropped.
type InvalidateReport struct {
	Prefix  string         `json:"prefix"`
	Removed map[string]int `json:"removed"`
	Total   int            `json:"total"`
}

// Invalidate removes every entry whose key starts with prefix from every resource cache.
// A blank prefix is rejected so a typo cannot wipe the whole catalogue.
func (c *Catalog) Invalidate(ctx context.Context, prefix string) (InvalidateReport, error) {
	if strings.TrimSpace(prefix) == "" {
		return InvalidateReport{}, fmt.Errorf("%w: prefix required", ErrInvalidParams)
	}
	report := InvalidateReport{Prefix: prefix, Removed: make(map[string]int, len(c.all))}
	for _, m := range c.all {
		removed := m.Invalidate(ctx, prefix)
		report.Removed[m.Name()] = removed
		report.Total += removed
	}
	return report, nil
}

// Stats aggregates the per-resource snapshots.
type Stats struct {
	Resources   []cache.ManagerStats `json:"resources"`
	Entries     int                  `json:"entries"`
	Hits        int64                `json:"hits"`
	Misses      int64                `json:"misses"`
	StaleServed int64                `json:"staleServed"`
	Evictions   int64                `json:"evictions"`
	HitRate     float64              `json:"hitRate"`
	MissRate    float64              `json:"missRate"`
}

func (c *Catalog) Stats(ctx context.Context) Stats {
	var stats Stats
	for _, m := range c.all {
		s := m.Stats(ctx)
		stats.Resources = append(stats.Resources, s)
		stats.Entries += s.Store.Size
		stats.Hits += s.Hits
		stats.Misses += s.Misses
		stats.StaleServed += s.StaleServed
		stats.Evictions += s.Evictions
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
		stats.MissRate = float64(stats.Misses) / float64(total)
	}
	return stats
}

// Warm populates every manifest target through its resource cache, running at most
// concurrency fetches per resource. Targets with unusable parameters count as failed.
func (c *Catalog) Warm(ctx context.Context, manifest config.WarmManifest, concurrency int) cache.WarmReport {
	var report cache.WarmReport
	batches := make(map[string]warmBatch)
	for _, target := range manifest.Targets {
		if err := c.planWarm(batches, target); err != nil {
			report.Requested++
			report.Failed++
			c.logger.Warn("warm target skipped", slog.String("resource", target.Resource), slog.Any("error", err))
		}
	}

	names := make([]string, 0, len(batches))
	for name := range batches {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		batch := batches[name]
		g.Go(func() error {
			r := batch.run(gctx, concurrency)
			mu.Lock()
			report.Add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (c *Catalog) planWarm(batches map[string]warmBatch, target config.WarmTarget) error {
	p := params(target.Params)
	switch target.Resource {
	case config.ResourceProducts:
		page, err := p.page()
		if err != nil {
			return err
		}
		return addWarmTarget(batches, c.products, page.params(), c.fetchProducts(page))
	case config.ResourceProduct:
		code, err := requireCode(p.string("productCode"))
		if err != nil {
			return err
		}
		return addWarmTarget(batches, c.product, codeParams(code), c.fetchProduct(code))
	case config.ResourceCategories:
		page, err := p.page()
		if err != nil {
			return err
		}
		return addWarmTarget(batches, c.categories, page.params(), c.fetchCategories(page))
	case config.ResourceCategoryProducts:
		id, err := p.int("categoryId", 0)
		if err != nil {
			return err
		}
		if id <= 0 {
			return fmt.Errorf("%w: categoryId must be positive", ErrInvalidParams)
		}
		page, err := p.page()
		if err != nil {
			return err
		}
		return addWarmTarget(batches, c.categoryProducts, categoryParams(int64(id), page), c.fetchCategoryProducts(int64(id), page))
	case config.ResourcePickups:
		code, err := requireCode(p.string("productCode"))
		if err != nil {
			return err
		}
		return addWarmTarget(batches, c.pickups, codeParams(code), c.fetchPickups(code))
	case config.ResourceAvailability:
		q, err := normalizeAvailability(rezdy.AvailabilityQuery{
			ProductCode: p.string("productCode"),
			Start:       p.string("start"),
			End:         p.string("end"),
		})
		if err != nil {
			return err
		}
		return addWarmTarget(batches, c.availability, availabilityParams(q), c.fetchAvailability(q))
	default:
		return fmt.Errorf("%w: unknown resource %q", ErrInvalidParams, target.Resource)
	}
}

// Close releases every resource cache.
func (c *Catalog) Close(ctx context.Context) error {
	var errs []error
	for _, m := range c.all {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("catalog: close %s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) fetchProducts(page Page) cache.Fetcher[rezdy.ProductPage] {
	return func(ctx context.Context) (rezdy.ProductPage, error) {
		return c.upstream.ListProducts(ctx, page.Limit, page.Offset)
	}
}

func (c *Catalog) fetchProduct(code string) cache.Fetcher[rezdy.Product] {
	return func(ctx context.Context) (rezdy.Product, error) {
		return c.upstream.GetProduct(ctx, code)
	}
}

func (c *Catalog) fetchCategories(page Page) cache.Fetcher[rezdy.CategoryPage] {
	return func(ctx context.Context) (rezdy.CategoryPage, error) {
		return c.upstream.ListCategories(ctx, page.Limit, page.Offset)
	}
}

func (c *Catalog) fetchCategoryProducts(id int64, page Page) cache.Fetcher[rezdy.ProductPage] {
	return func(ctx context.Context) (rezdy.ProductPage, error) {
		return c.upstream.ListCategoryProducts(ctx, id, page.Limit, page.Offset)
	}
}

func (c *Catalog) fetchPickups(code string) cache.Fetcher[[]rezdy.PickupLocation] {
	return func(ctx context.Context) ([]rezdy.PickupLocation, error) {
		return c.upstream.ListPickups(ctx, code)
	}
}

func (c *Catalog) fetchAvailability(q rezdy.AvailabilityQuery) cache.Fetcher[[]rezdy.Session] {
	return func(ctx context.Context) ([]rezdy.Session, error) {
		return c.upstream.Availability(ctx, q)
	}
}
