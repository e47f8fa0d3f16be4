package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/loginkeeper/internal/metrics"
	"github.com/hitoshi/loginkeeper/internal/middleware"
	"github.com/hitoshi/loginkeeper/internal/usersession"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, svc SessionServiceInterface, checker HealthChecker) (http.Handler, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.RecordAuthAttempt("market", metrics.OutcomeSuccess)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		UploadRate:      1,
		UploadBurst:     2,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		HealthChecker:  checker,
		Gatherer:       reg,
		RateLimiter:    rl,
		SessionService: svc,
	})
	return router, reg
}

func TestRouter_Health(t *testing.T) {
	router, _ := newTestRouter(t, &mockSessionService{}, pingFunc(func(ctx context.Context) error { return nil }))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRouter_Health_DatabaseDown(t *testing.T) {
	router, _ := newTestRouter(t, &mockSessionService{}, pingFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	router, _ := newTestRouter(t, &mockSessionService{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "loginkeeper_auth_attempts_total")
}

func TestRouter_SessionRoutesRequireUserID(t *testing.T) {
	router, _ := newTestRouter(t, &mockSessionService{}, nil)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, "/api/sessions/market", strings.NewReader("{}")))
		assert.Equal(t, http.StatusUnauthorized, w.Code, method)
	}
}

func TestRouter_SessionRoutes(t *testing.T) {
	var calls []string
	svc := &mockSessionService{
		validateFn: func(raw []byte, siteID, label string) usersession.ValidationResult {
			calls = append(calls, "validate:"+siteID)
			return usersession.ValidationResult{Valid: true}
		},
		saveFn: func(ctx context.Context, userID, siteID string, raw []byte, label string) (usersession.SaveResult, error) {
			calls = append(calls, "save:"+userID+":"+siteID)
			return usersession.SaveResult{Success: true, SessionID: "s"}, nil
		},
		statusFn: func(ctx context.Context, userID, siteID string) (usersession.StatusResult, error) {
			calls = append(calls, "status:"+siteID)
			return usersession.StatusResult{Status: usersession.StatusNotFound}, nil
		},
		deleteFn: func(ctx context.Context, userID, siteID, label string) (bool, error) {
			calls = append(calls, "delete:"+siteID)
			return true, nil
		},
	}
	router, _ := newTestRouter(t, svc, nil)

	requests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/api/sessions/market/validate", http.StatusOK},
		{http.MethodPut, "/api/sessions/market", http.StatusOK},
		{http.MethodGet, "/api/sessions/market", http.StatusOK},
		{http.MethodDelete, "/api/sessions/market", http.StatusNoContent},
	}
	for _, rr := range requests {
		req := httptest.NewRequest(rr.method, rr.path, strings.NewReader(`{"cookies":[]}`))
		req.Header.Set(middleware.UserIDHeader, "user-7")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, rr.want, w.Code, rr.method+" "+rr.path)
	}

	assert.Equal(t, []string{"validate:market", "save:user-7:market", "status:market", "delete:market"}, calls)
}

func TestRouter_UploadRateLimit(t *testing.T) {
	router, _ := newTestRouter(t, &mockSessionService{}, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPut, "/api/sessions/market", strings.NewReader(`{}`))
		req.Header.Set(middleware.UserIDHeader, "user-burst")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 状態確認はアップロード制限の対象外
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/market", nil)
	req.Header.Set(middleware.UserIDHeader, "user-burst")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
