package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func scrape(t *testing.T, g prometheus.Gatherer, accept string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	Handler(g).ServeHTTP(w, req)

	resp := w.Result()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp, string(body)
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAuthAttempt("market", OutcomeSuccess)
	c.SetOpenContexts(3)

	resp, body := scrape(t, reg, "")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	for _, want := range []string{
		`loginkeeper_auth_attempts_total{outcome="success",site="market"} 1`,
		"loginkeeper_browser_open_contexts 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response should contain %q", want)
		}
	}
}

func TestHandler_OpenMetricsNegotiation(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg).SetOpenContexts(1)

	resp, body := scrape(t, reg, "application/openmetrics-text; version=1.0.0")

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/openmetrics-text") {
		t.Errorf("Content-Type = %q, want openmetrics", ct)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "# EOF") {
		t.Errorf("openmetrics body should end with # EOF, got %q", body)
	}
}

// 1つのコレクターが失敗しても取得できた分は返す
func TestHandler_ContinuesOnGatherError(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg).SetOpenContexts(2)

	failing := prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		return nil, errors.New("collector exploded")
	})

	resp, body := scrape(t, prometheus.Gatherers{reg, failing}, "")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(body, "loginkeeper_browser_open_contexts 2") {
		t.Errorf("healthy metrics missing from body: %s", body)
	}
}
