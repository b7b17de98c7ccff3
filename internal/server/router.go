package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pineappletours/tourcache/internal/catalog"
	"github.com/pineappletours/tourcache/internal/config"
	"github.com/pineappletours/tourcache/internal/metrics"
	"github.com/pineappletours/tourcache/internal/rezdy"
)

// Catalog is the cache-backed resource surface the API serves.
type Catalog interface {
	Products(ctx context.Context, limit, offset int) (catalog.Response[rezdy.ProductPage], error)
	Product(ctx context.Context, productCode string) (catalog.Response[rezdy.Product], error)
	Categories(ctx context.Context, limit, offset int) (catalog.Response[rezdy.CategoryPage], error)
	CategoryProducts(ctx context.Context, categoryID int64, limit, offset int) (catalog.Response[rezdy.ProductPage], error)
	Pickups(ctx context.Context, productCode string) (catalog.Response[[]rezdy.PickupLocation], error)
	Availability(ctx context.Context, q rezdy.AvailabilityQuery) (catalog.Response[[]rezdy.Session], error)
	Invalidate(ctx context.Context, prefix string) (catalog.InvalidateReport, error)
	Stats(ctx context.Context) catalog.Stats
	StaleGrace() time.Duration
}

// HandlerOptions wires the API handler.
type HandlerOptions struct {
	Catalog            Catalog
	Metrics            *metrics.Recorder
	Logger             *slog.Logger
	CorrelationHeader  string
	UpstreamConfigured bool

	// AdminToken, when set, must be presented in AdminHeader to invalidate entries.
	AdminToken  string
	AdminHeader string
}

type api struct {
	catalog            Catalog
	metrics            *metrics.Recorder
	logger             *slog.Logger
	correlationHeader  string
	upstreamConfigured bool
	adminToken         []byte
	adminHeader        string
}

// NewHandler builds the routing table. Every route is instrumented and every request
// carries a correlation ID.
func NewHandler(opts HandlerOptions) http.Handler {
	if opts.Catalog == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := strings.TrimSpace(opts.CorrelationHeader)
	if header == "" {
		header = config.DefaultConfig().Server.Logging.CorrelationHeader
	}
	adminHeader := strings.TrimSpace(opts.AdminHeader)
	if adminHeader == "" {
		adminHeader = config.DefaultConfig().Server.Admin.Header
	}
	a := &api{
		catalog:            opts.Catalog,
		metrics:            opts.Metrics,
		logger:             logger.With(slog.String("agent", "api")),
		correlationHeader:  header,
		upstreamConfigured: opts.UpstreamConfigured,
		adminHeader:        adminHeader,
	}
	if token := strings.TrimSpace(opts.AdminToken); token != "" {
		a.adminToken = []byte(token)
	} else {
		a.logger.Warn("cache invalidation is unauthenticated; keep the listener on a trusted network")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/products", a.instrument("products", a.products))
	mux.Handle("GET /api/products/{code}", a.instrument("product", a.product))
	mux.Handle("GET /api/products/{code}/pickups", a.instrument("pickups", a.pickups))
	mux.Handle("GET /api/categories", a.instrument("categories", a.categories))
	mux.Handle("GET /api/categories/{id}/products", a.instrument("categoryProducts", a.categoryProducts))
	mux.Handle("GET /api/availability", a.instrument("availability", a.availability))
	mux.Handle("POST /api/cache/invalidate", a.instrument("invalidate", a.requireAdmin(a.invalidate)))
	mux.Handle("GET /api/cache/stats", a.instrument("stats", a.stats))
	mux.Handle("GET /healthz", a.instrument("healthz", a.health))
	mux.Handle("GET /health", a.instrument("healthz", a.health))
	mux.Handle("GET /metrics", opts.Metrics.Handler())

	return a.correlate(mux)
}

type correlationContextKey struct{}

// CorrelationID returns the request's correlation ID, if the middleware assigned one.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationContextKey{}).(string)
	return id
}

// correlate reuses the inbound correlation header or mints a UUID, and echoes it back.
func (a *api) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(a.correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(a.correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationContextKey{}, id)))
	})
}

// requireAdmin rejects requests that do not carry the configured admin token.
func (a *api) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	if len(a.adminToken) == 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(strings.TrimSpace(r.Header.Get(a.adminHeader)))
		if subtle.ConstantTimeCompare(presented, a.adminToken) != 1 {
			a.writeError(w, r, errUnauthorized)
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (a *api) instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		fn(rec, r)
		elapsed := time.Since(start)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		cacheStatus := rec.Header().Get(headerCache)
		a.metrics.ObserveHTTP(route, rec.status, cacheStatus, elapsed)
		a.logger.LogAttrs(r.Context(), slog.LevelDebug, "request served",
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.String("cache", cacheStatus),
			slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)),
			slog.String("correlation_id", CorrelationID(r.Context())),
		)
	})
}
