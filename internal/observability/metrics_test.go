package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/governance/internal/jobs"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("leave:complete").End(nil)
	jobs.AddTransitions("leave:complete", "completed", 2)

	body := scrape(t, metrics)
	require.Contains(t, body, `governance_jobs_total{job="leave:complete",status="success"} 1`)
	require.Contains(t, body, `governance_job_leave_transitions_total{job="leave:complete",status="completed"} 2`)
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
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `governance_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `governance_http_request_duration_seconds_bucket{route="/test"`)
}

func TestResolutionAndLeaveObservers(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveResolution("resolved", 2*time.Millisecond)
	metrics.ObserveResolution("resolved", time.Millisecond)
	metrics.ObserveResolution("degraded", 50*time.Millisecond)
	metrics.ObserveLeaveOutcome("approved")

	body := scrape(t, metrics)
	require.Contains(t, body, `governance_permission_resolutions_total{outcome="resolved"} 2`)
	require.Contains(t, body, `governance_permission_resolutions_total{outcome="degraded"} 1`)
	require.Contains(t, body, `governance_permission_resolution_seconds_count{outcome="resolved"} 2`)
	require.Contains(t, body, `governance_leave_outcomes_total{outcome="approved"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveResolution("resolved", time.Millisecond)
	metrics.ObserveLeaveOutcome("submitted")

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.True(t, strings.HasPrefix(rr.Body.String(), http.StatusText(http.StatusServiceUnavailable)))
}
