package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/governance/internal/observability"
	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/roles"
	"github.com/odyssey-erp/governance/internal/shared"
)

func serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	ready := errors.New("redis down")
	router := NewRouter(RouterParams{
		Logger:  nil,
		Config:  &Config{RateLimitPerMinute: 1000},
		Metrics: observability.NewMetrics(),
		Ready:   func() error { return ready },
	})

	rec := serve(t, router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(t, router, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = nil
	rec = serve(t, router, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "governance_http_requests_total")
}

func TestActorMiddleware(t *testing.T) {
	var seen shared.Actor
	var found bool
	h := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, found = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("anonymous", func(t *testing.T) {
		rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.False(t, found)
	})

	t.Run("default session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderUserID, "42")
		rec := serve(t, h, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.True(t, found)
		require.Equal(t, shared.Actor{UserID: 42, SessionID: "user:42"}, seen)
	})

	t.Run("explicit session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderUserID, "42")
		req.Header.Set(HeaderSessionID, "tab-1")
		serve(t, h, req)
		require.Equal(t, "tab-1", seen.SessionID)
	})

	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderUserID, "alice")
		rec := serve(t, h, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	router := NewRouter(RouterParams{
		Config:         &Config{RateLimitPerMinute: 1000},
		RBACMiddleware: rbac.Middleware{},
		RolesHandler:   roles.NewHandler(rbac.Middleware{}),
	})
	rec := serve(t, router, httptest.NewRequest(http.MethodGet, "/roles", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLeaveLocation(t *testing.T) {
	loc, err := (&Config{LeaveTimezone: "Asia/Jakarta"}).LeaveLocation()
	require.NoError(t, err)
	require.Equal(t, "Asia/Jakarta", loc.String())

	_, err = (&Config{LeaveTimezone: "Mars/Olympus"}).LeaveLocation()
	require.Error(t, err)

	loc, err = (*Config)(nil).LeaveLocation()
	require.NoError(t, err)
	require.Equal(t, time.UTC, loc)
}
