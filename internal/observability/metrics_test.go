package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.CountScheduleGenerated("financed_purchase", 13)
	metrics.CountRecalculation()
	metrics.CountEntriesProcessed(3)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `assetflow_schedules_generated_total{acquisition_type="financed_purchase"} 1`) {
		t.Fatalf("expected schedule counter, got: %s", body)
	}
	if !strings.Contains(body, `assetflow_schedule_lines_total{acquisition_type="financed_purchase"} 13`) {
		t.Fatalf("expected line counter, got: %s", body)
	}
	if !strings.Contains(body, "assetflow_recalculations_total 1") {
		t.Fatalf("expected recalculation counter, got: %s", body)
	}
	if !strings.Contains(body, "assetflow_depreciation_entries_processed_total 3") {
		t.Fatalf("expected processed counter, got: %s", body)
	}
}

func TestNilMetricsCountersAreNoops(t *testing.T) {
	var metrics *Metrics
	metrics.CountScheduleGenerated("fixed_rental", 1)
	metrics.CountRecalculation()
	metrics.CountEntriesProcessed(1)
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}
