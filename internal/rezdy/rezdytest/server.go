// Package rezdytest provides an in-process fake of the Rezdy API for tests.
package rezdytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pineappletours/tourcache/internal/rezdy"
)

const APIKey = "test-api-key"

// Server serves a fixed catalogue. Failures and latency can be switched on at runtime.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	products     []rezdy.Product
	categories   map[int64][]string
	pickups      map[string][]rezdy.PickupLocation
	sessions     map[string][]rezdy.Session
	failStatus   int
	delay        time.Duration
	cacheControl string

	calls sync.Map // path -> *atomic.Int64
}

// New starts a fake with two products in category 1 and one pickup for P1.
func New() *Server {
	s := &Server{
		products: []rezdy.Product{
			{ProductCode: "P1", Name: "Hunter Valley Wine Tour", Currency: "AUD", AdvertisedPrice: decimal.RequireFromString("189.00")},
			{ProductCode: "P2", Name: "Blue Mountains Day Trip", Currency: "AUD", AdvertisedPrice: decimal.RequireFromString("149.50")},
		},
		categories: map[int64][]string{1: {"P1", "P2"}},
		pickups: map[string][]rezdy.PickupLocation{
			"P1": {{LocationName: "Central Station", MinutesPrior: 15}},
		},
		sessions: map[string][]rezdy.Session{
			"P1": {{ID: 1, ProductCode: "P1", StartTimeLocal: "2024-05-01 08:00:00", EndTimeLocal: "2024-05-01 17:00:00", Seats: 20, SeatsAvailable: 12}},
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Client returns a rezdy client pointed at the fake.
func (s *Server) Client() *rezdy.Client {
	return rezdy.NewClient(rezdy.Config{BaseURL: s.URL, APIKey: APIKey, Timeout: 5 * time.Second})
}

// FailWith makes every request answer status; zero restores normal service.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	s.failStatus = status
	s.mu.Unlock()
}

// Delay holds every response for d.
func (s *Server) Delay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// CacheControl sets the Cache-Control header sent with successful responses.
func (s *Server) CacheControl(header string) {
	s.mu.Lock()
	s.cacheControl = header
	s.mu.Unlock()
}

// Calls reports how many requests hit path.
func (s *Server) Calls(path string) int64 {
	if v, ok := s.calls.Load(path); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	counter, _ := s.calls.LoadOrStore(r.URL.Path, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)

	s.mu.Lock()
	failStatus, delay, cacheControl := s.failStatus, s.delay, s.cacheControl
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if r.URL.Query().Get("apiKey") != APIKey {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
		return
	}
	if failStatus != 0 {
		writeError(w, failStatus, "UPSTREAM", "simulated failure")
		return
	}
	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "products":
		limit, offset := page(r)
		writeOK(w, map[string]any{"products": window(s.products, limit, offset)})
	case len(parts) == 2 && parts[0] == "products":
		for _, p := range s.products {
			if p.ProductCode == parts[1] {
				writeOK(w, map[string]any{"product": p})
				return
			}
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "product not found")
	case len(parts) == 3 && parts[0] == "products" && parts[2] == "pickups":
		writeOK(w, map[string]any{"pickupLocations": s.pickups[parts[1]]})
	case len(parts) == 1 && parts[0] == "categories":
		limit, offset := page(r)
		categories := []rezdy.Category{{ID: 1, Name: "Day Tours", IsVisible: true}}
		writeOK(w, map[string]any{"categories": window(categories, limit, offset)})
	case len(parts) == 3 && parts[0] == "categories" && parts[2] == "products":
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid category")
			return
		}
		var products []rezdy.Product
		for _, code := range s.categories[id] {
			for _, p := range s.products {
				if p.ProductCode == code {
					products = append(products, p)
				}
			}
		}
		limit, offset := page(r)
		writeOK(w, map[string]any{"products": window(products, limit, offset)})
	case len(parts) == 1 && parts[0] == "availability":
		writeOK(w, map[string]any{"sessions": s.sessions[r.URL.Query().Get("productCode")]})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
	}
}

func page(r *http.Request) (int, int) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func writeOK(w http.ResponseWriter, payload map[string]any) {
	payload["requestStatus"] = map[string]any{"success": true, "version": "v1"}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requestStatus": map[string]any{
			"success": false,
			"error":   map[string]any{"errorCode": code, "errorMessage": message},
		},
	})
}
