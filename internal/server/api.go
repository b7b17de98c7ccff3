package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pineappletours/tourcache/internal/cache"
	"github.com/pineappletours/tourcache/internal/catalog"
	"github.com/pineappletours/tourcache/internal/rezdy"
)

const headerCache = "X-Cache"

var errUnauthorized = errors.New("admin token missing or invalid")

// X-Cache values.
const (
	cacheHit       = "HIT"
	cacheMiss      = "MISS"
	cacheHitShared = "HIT-SHARED"
	cacheStale     = "STALE"
)

func (a *api) products(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.catalog.Products(r.Context(), limit, offset)
	serveCached(a, w, r, resp, err)
}

func (a *api) product(w http.ResponseWriter, r *http.Request) {
	resp, err := a.catalog.Product(r.Context(), r.PathValue("code"))
	serveCached(a, w, r, resp, err)
}

func (a *api) pickups(w http.ResponseWriter, r *http.Request) {
	resp, err := a.catalog.Pickups(r.Context(), r.PathValue("code"))
	serveCached(a, w, r, resp, err)
}

func (a *api) categories(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.catalog.Categories(r.Context(), limit, offset)
	serveCached(a, w, r, resp, err)
}

func (a *api) categoryProducts(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: category id %q is not a number", catalog.ErrInvalidParams, r.PathValue("id")))
		return
	}
	limit, offset, err := pageQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.catalog.CategoryProducts(r.Context(), id, limit, offset)
	serveCached(a, w, r, resp, err)
}

func (a *api) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := a.catalog.Availability(r.Context(), rezdy.AvailabilityQuery{
		ProductCode: q.Get("productCode"),
		Start:       q.Get("start"),
		End:         q.Get("end"),
	})
	serveCached(a, w, r, resp, err)
}

type invalidateRequest struct {
	Prefix string `json:"prefix"`
}

func (a *api) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: body must be JSON with a prefix field", catalog.ErrInvalidParams))
		return
	}
	report, err := a.catalog.Invalidate(r.Context(), req.Prefix)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info("cache invalidated via api",
		slog.String("prefix", report.Prefix),
		slog.Int("removed", report.Total),
		slog.String("correlation_id", CorrelationID(r.Context())),
	)
	a.writeJSON(w, http.StatusOK, report)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	a.writeJSON(w, http.StatusOK, a.catalog.Stats(r.Context()))
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !a.upstreamConfigured {
		status = "degraded"
	}
	stats := a.catalog.Stats(r.Context())
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"upstreamConfigured": a.upstreamConfigured,
		"cacheEntries":       stats.Entries,
		"observedAt":         time.Now().UTC(),
	})
}

// serveCached writes the cache envelope with the X-Cache and Cache-Control headers that
// express the entry's freshness to downstream caches.
func serveCached[V any](a *api, w http.ResponseWriter, r *http.Request, resp catalog.Response[V], err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set(headerCache, cacheStatus(resp.Result))
	w.Header().Set("Cache-Control", cache.SharedCacheControl(resp.TTL, a.catalog.StaleGrace(), resp.Stale).String())
	a.writeJSON(w, http.StatusOK, resp)
}

func cacheStatus[V any](res cache.Result[V]) string {
	switch {
	case res.Stale:
		return cacheStale
	case res.Shared:
		return cacheHitShared
	case res.Cached:
		return cacheHit
	default:
		return cacheMiss
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// classify maps catalog and upstream failures onto HTTP statuses.
func classify(err error) (int, string) {
	var statusErr *rezdy.StatusError
	switch {
	case errors.Is(err, catalog.ErrInvalidParams):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case rezdy.IsConfiguration(err):
		return http.StatusInternalServerError, "configuration_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request_cancelled"
	case errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound:
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	id := CorrelationID(r.Context())
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.logger.LogAttrs(r.Context(), level, "request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("correlation_id", id),
		slog.Any("error", err),
	)
	w.Header().Set("Cache-Control", "no-store")
	a.writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error(), CorrelationID: id}})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func pageQuery(r *http.Request) (int, int, error) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", catalog.ErrInvalidParams, name, raw)
	}
	return n, nil
}
