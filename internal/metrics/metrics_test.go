package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveCacheLookupAndEvictions(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup("products", "hit")
	rec.ObserveCacheLookup("products", "hit")
	rec.ObserveCacheLookup("products", "stale")
	rec.ObserveCacheEvictions("products", 3)
	rec.ObserveCacheEvictions("products", 0)

	families := gather(t, rec, "pineapple_cache_lookups_total", "pineapple_cache_evictions_total")

	hits := findMetric(t, families["pineapple_cache_lookups_total"], map[string]string{
		"cache":   "products",
		"outcome": "hit",
	})
	if got := hits.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected hit counter 2, got %v", got)
	}
	stale := findMetric(t, families["pineapple_cache_lookups_total"], map[string]string{
		"cache":   "products",
		"outcome": "stale",
	})
	if got := stale.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected stale counter 1, got %v", got)
	}
	evictions := findMetric(t, families["pineapple_cache_evictions_total"], map[string]string{"cache": "products"})
	if got := evictions.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected eviction counter 3, got %v", got)
	}
}

func TestRecorderObserveUpstreamFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveUpstreamFetch("categoryProducts", "success", 250*time.Millisecond)

	families := gather(t, rec, "pineapple_upstream_fetches_total", "pineapple_upstream_fetch_duration_seconds")

	counter := findMetric(t, families["pineapple_upstream_fetches_total"], map[string]string{
		"cache":  "categoryProducts",
		"result": "success",
	})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	hist := findMetric(t, families["pineapple_upstream_fetch_duration_seconds"], map[string]string{
		"cache":  "categoryProducts",
		"result": "success",
	}).GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for upstream latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveHTTP(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveHTTP("products", 200, "HIT-SHARED", 5*time.Millisecond)
	rec.ObserveHTTP("healthz", 200, "", time.Millisecond)
	rec.ObserveHTTP("", 0, "", time.Millisecond)

	families := gather(t, rec, "pineapple_http_requests_total", "pineapple_http_request_duration_seconds")

	findMetric(t, families["pineapple_http_requests_total"], map[string]string{
		"route":  "products",
		"status": "200",
		"cache":  "hit-shared",
	})
	findMetric(t, families["pineapple_http_requests_total"], map[string]string{
		"route": "healthz",
		"cache": "none",
	})
	findMetric(t, families["pineapple_http_requests_total"], map[string]string{
		"route":  "unknown",
		"status": "unknown",
	})
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveCacheLookup("products", "hit")
	rec.ObserveCacheEvictions("products", 1)
	rec.ObserveUpstreamFetch("products", "error", time.Second)
	rec.ObserveHTTP("products", 500, "", time.Second)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
	if _, err := rec.Gatherer().Gather(); err != nil {
		t.Fatalf("gather from nil recorder: %v", err)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
