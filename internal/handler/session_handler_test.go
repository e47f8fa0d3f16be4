package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/loginkeeper/internal/middleware"
	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/usersession"
)

// --- モック定義 ---

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	validateFn func(raw []byte, siteID, label string) usersession.ValidationResult
	saveFn     func(ctx context.Context, userID, siteID string, raw []byte, label string) (usersession.SaveResult, error)
	statusFn   func(ctx context.Context, userID, siteID string) (usersession.StatusResult, error)
	deleteFn   func(ctx context.Context, userID, siteID, label string) (bool, error)
}

func (m *mockSessionService) ValidateSnapshotFor(raw []byte, siteID, label string) usersession.ValidationResult {
	if m.validateFn != nil {
		return m.validateFn(raw, siteID, label)
	}
	return usersession.ValidationResult{}
}

func (m *mockSessionService) Save(ctx context.Context, userID, siteID string, raw []byte, label string) (usersession.SaveResult, error) {
	if m.saveFn != nil {
		return m.saveFn(ctx, userID, siteID, raw, label)
	}
	return usersession.SaveResult{}, nil
}

func (m *mockSessionService) Status(ctx context.Context, userID, siteID string) (usersession.StatusResult, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, userID, siteID)
	}
	return usersession.StatusResult{}, nil
}

func (m *mockSessionService) Delete(ctx context.Context, userID, siteID, label string) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID, siteID, label)
	}
	return false, nil
}

var _ SessionServiceInterface = (*mockSessionService)(nil)

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

func newSessionRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req = withChiURLParam(req, "site", "market")
	return withUserID(req, "user-1")
}

// --- Validate ---

func TestSessionHandler_Validate_ReturnsResult(t *testing.T) {
	var gotLabel string
	svc := &mockSessionService{
		validateFn: func(raw []byte, siteID, label string) usersession.ValidationResult {
			gotLabel = label
			if siteID != "market" {
				t.Errorf("siteID = %q, want %q", siteID, "market")
			}
			return usersession.ValidationResult{Valid: true, CookieCount: 3, PersistentCount: 2, Domains: []string{".market.example.com"}}
		},
	}
	h := NewSessionHandler(svc)

	w := httptest.NewRecorder()
	h.Validate(w, newSessionRequest(http.MethodPost, "/api/sessions/market/validate?label=uk", `{"cookies":[]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body validationResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !body.Valid || body.CookieCount != 3 || body.PersistentCount != 2 {
		t.Errorf("body = %+v", body)
	}
	if gotLabel != "uk" {
		t.Errorf("label = %q, want %q", gotLabel, "uk")
	}
}

func TestSessionHandler_Validate_InvalidStillReturns200(t *testing.T) {
	svc := &mockSessionService{
		validateFn: func(raw []byte, siteID, label string) usersession.ValidationResult {
			return usersession.ValidationResult{Error: "no cookies for market.example.com; log in fully"}
		},
	}
	h := NewSessionHandler(svc)

	w := httptest.NewRecorder()
	h.Validate(w, newSessionRequest(http.MethodPost, "/api/sessions/market/validate", `{}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if raw["valid"] != false {
		t.Errorf("valid = %v, want false", raw["valid"])
	}
	if domains, ok := raw["domains"].([]any); !ok || len(domains) != 0 {
		t.Errorf("domains = %v, want empty array", raw["domains"])
	}
}

func TestSessionHandler_Validate_PayloadTooLarge(t *testing.T) {
	svc := &mockSessionService{
		validateFn: func(raw []byte, siteID, label string) usersession.ValidationResult {
			t.Fatal("service should not be called")
			return usersession.ValidationResult{}
		},
	}
	h := NewSessionHandler(svc)
	h.maxBytes = 16

	w := httptest.NewRecorder()
	h.Validate(w, newSessionRequest(http.MethodPost, "/api/sessions/market/validate", strings.Repeat("x", 64)))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodePayloadTooLarge {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodePayloadTooLarge)
	}
}

// --- Put ---

func TestSessionHandler_Put_Success(t *testing.T) {
	expires := time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)
	var gotUser string
	var gotRaw []byte
	svc := &mockSessionService{
		saveFn: func(ctx context.Context, userID, siteID string, raw []byte, label string) (usersession.SaveResult, error) {
			gotUser = userID
			gotRaw = raw
			return usersession.SaveResult{Success: true, SessionID: "sess-1", ExpiresAt: expires}, nil
		},
	}
	h := NewSessionHandler(svc)

	w := httptest.NewRecorder()
	h.Put(w, newSessionRequest(http.MethodPut, "/api/sessions/market", `{"cookies":[]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body saveResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.SessionID != "sess-1" || body.Status != "ACTIVE" || !body.ExpiresAt.Equal(expires) {
		t.Errorf("body = %+v", body)
	}
	if gotUser != "user-1" {
		t.Errorf("userID = %q, want %q", gotUser, "user-1")
	}
	if !bytes.Equal(gotRaw, []byte(`{"cookies":[]}`)) {
		t.Errorf("raw = %q", gotRaw)
	}
}

func TestSessionHandler_Put_MapsErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &model.ValidationError{Message: "log in fully"}, http.StatusUnprocessableEntity, model.ErrCodeValidation},
		{"encryption", &model.EncryptionError{Op: "key", Err: errors.New("default key")}, http.StatusServiceUnavailable, model.ErrCodeEncryption},
		{"unknown site", fmt.Errorf("%w: market", model.ErrUnknownSite), http.StatusNotFound, model.ErrCodeUnknownSite},
		{"internal", errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSessionService{
				saveFn: func(ctx context.Context, userID, siteID string, raw []byte, label string) (usersession.SaveResult, error) {
					return usersession.SaveResult{Error: tt.err.Error()}, tt.err
				},
			}
			h := NewSessionHandler(svc)

			w := httptest.NewRecorder()
			h.Put(w, newSessionRequest(http.MethodPut, "/api/sessions/market", `{}`))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := parseAPIErrorResponse(t, w)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
			if body["action"] == "" {
				t.Error("action should not be empty")
			}
		})
	}
}

func TestSessionHandler_Put_ValidationMessageIsForwarded(t *testing.T) {
	svc := &mockSessionService{
		saveFn: func(ctx context.Context, userID, siteID string, raw []byte, label string) (usersession.SaveResult, error) {
			return usersession.SaveResult{}, &model.ValidationError{Message: "only 1 persistent cookie; log in fully"}
		},
	}
	h := NewSessionHandler(svc)

	w := httptest.NewRecorder()
	h.Put(w, newSessionRequest(http.MethodPut, "/api/sessions/market", `{}`))

	if body := parseAPIErrorResponse(t, w); !strings.Contains(body["message"], "log in fully") {
		t.Errorf("message = %q, want the validation reason", body["message"])
	}
}

func TestSessionHandler_Put_NoUserID(t *testing.T) {
	h := NewSessionHandler(&mockSessionService{})

	req := withChiURLParam(httptest.NewRequest(http.MethodPut, "/api/sessions/market", strings.NewReader(`{}`)), "site", "market")
	w := httptest.NewRecorder()
	h.Put(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- Get ---

func TestSessionHandler_Get_Exists(t *testing.T) {
	expires := time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)
	svc := &mockSessionService{
		statusFn: func(ctx context.Context, userID, siteID string) (usersession.StatusResult, error) {
			return usersession.StatusResult{
				Exists:      true,
				Status:      model.UserSessionNeedsReauth,
				NeedsAction: true,
				ExpiresAt:   expires,
				Reason:      "login page shown",
			}, nil
		},
	}
	h := NewSessionHandler(svc)

	w := httptest.NewRecorder()
	h.Get(w, newSessionRequest(http.MethodGet, "/api/sessions/market", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body statusResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !body.Exists || body.Status != "NEEDS_REAUTH" || !body.NeedsAction || body.Reason != "login page shown" {
		t.Errorf("body = %+v", body)
	}
	if body.ExpiresAt == nil || !body.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", body.ExpiresAt, expires)
	}
}

func TestSessionHandler_Get_NotFound(t *testing.T) {
	svc := &mockSessionService{
		statusFn: func(ctx context.Context, userID, siteID string) (usersession.StatusResult, error) {
			return usersession.StatusResult{Status: usersession.StatusNotFound, NeedsAction: true}, nil
		},
	}
	h := NewSessionHandler(svc)

	w := httptest.NewRecorder()
	h.Get(w, newSessionRequest(http.MethodGet, "/api/sessions/market", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if raw["exists"] != false || raw["status"] != "NOT_FOUND" {
		t.Errorf("body = %v", raw)
	}
	if _, ok := raw["expires_at"]; ok {
		t.Error("expires_at should be omitted for a missing session")
	}
}

// --- Delete ---

func TestSessionHandler_Delete(t *testing.T) {
	tests := []struct {
		name       string
		deleted    bool
		err        error
		wantStatus int
	}{
		{"deleted", true, nil, http.StatusNoContent},
		{"not found", false, nil, http.StatusNotFound},
		{"unknown site", false, fmt.Errorf("%w: market", model.ErrUnknownSite), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSessionService{
				deleteFn: func(ctx context.Context, userID, siteID, label string) (bool, error) {
					return tt.deleted, tt.err
				},
			}
			h := NewSessionHandler(svc)

			w := httptest.NewRecorder()
			h.Delete(w, newSessionRequest(http.MethodDelete, "/api/sessions/market", ""))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
