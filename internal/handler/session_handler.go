package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/loginkeeper/internal/middleware"
	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/usersession"
)

// SessionServiceInterface はセッションハンドラーが必要とするユーザーセッションストアの操作。
type SessionServiceInterface interface {
	ValidateSnapshotFor(raw []byte, siteID, label string) usersession.ValidationResult
	Save(ctx context.Context, userID, siteID string, raw []byte, label string) (usersession.SaveResult, error)
	Status(ctx context.Context, userID, siteID string) (usersession.StatusResult, error)
	Delete(ctx context.Context, userID, siteID, label string) (bool, error)
}

// SessionHandler はユーザーセッションのアップロードと状態確認のHTTPハンドラー。
type SessionHandler struct {
	service  SessionServiceInterface
	maxBytes int64
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{
		service:  service,
		maxBytes: usersession.MaxSnapshotBytes,
	}
}

// validationResponse はスナップショット検証結果のAPIレスポンス。
type validationResponse struct {
	Valid           bool     `json:"valid"`
	Error           string   `json:"error,omitempty"`
	CookieCount     int      `json:"cookie_count"`
	PersistentCount int      `json:"persistent_count"`
	Domains         []string `json:"domains"`
}

// saveResponse は保存結果のAPIレスポンス。
type saveResponse struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// statusResponse はセッション状態のAPIレスポンス。
type statusResponse struct {
	Exists      bool       `json:"exists"`
	Status      string     `json:"status"`
	NeedsAction bool       `json:"needs_action"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// readSnapshot はリクエストボディをサイズ上限付きで読み込む。
// 失敗時はエラーレスポンスを書き込んでfalseを返す。
func (h *SessionHandler) readSnapshot(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewPayloadTooLargeError(h.maxBytes))
			return nil, false
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの読み込みに失敗しました。",
			Category: "validation",
			Action:   "スナップショットを再送信してください。",
		})
		return nil, false
	}
	return body, true
}

// Validate は保存せずにスナップショットを検証する。
// POST /api/sessions/{site}/validate
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site")

	raw, ok := h.readSnapshot(w, r)
	if !ok {
		return
	}

	result := h.service.ValidateSnapshotFor(raw, siteID, r.URL.Query().Get("label"))
	domains := result.Domains
	if domains == nil {
		domains = []string{}
	}
	writeJSON(w, http.StatusOK, validationResponse{
		Valid:           result.Valid,
		Error:           result.Error,
		CookieCount:     result.CookieCount,
		PersistentCount: result.PersistentCount,
		Domains:         domains,
	})
}

// Put はスナップショットを検証して保存する。既存のセッションは置き換える。
// PUT /api/sessions/{site}
func (h *SessionHandler) Put(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewMissingUserIDError())
		return
	}
	siteID := chi.URLParam(r, "site")

	raw, ok := h.readSnapshot(w, r)
	if !ok {
		return
	}

	result, err := h.service.Save(r.Context(), userID, siteID, raw, r.URL.Query().Get("label"))
	if err != nil {
		handleServiceError(w, siteID, err)
		return
	}

	writeJSON(w, http.StatusOK, saveResponse{
		SessionID: result.SessionID,
		Status:    string(model.UserSessionActive),
		ExpiresAt: result.ExpiresAt,
	})
}

// Get はサイトのセッション状態を返す。未登録の場合もexists=falseで200を返す。
// GET /api/sessions/{site}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewMissingUserIDError())
		return
	}
	siteID := chi.URLParam(r, "site")

	result, err := h.service.Status(r.Context(), userID, siteID)
	if err != nil {
		handleServiceError(w, siteID, err)
		return
	}

	resp := statusResponse{
		Exists:      result.Exists,
		Status:      string(result.Status),
		NeedsAction: result.NeedsAction,
		LastUsedAt:  result.LastUsedAt,
		Reason:      result.Reason,
	}
	if result.Exists {
		resp.ExpiresAt = &result.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete はセッションを削除する。
// DELETE /api/sessions/{site}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewMissingUserIDError())
		return
	}
	siteID := chi.URLParam(r, "site")

	deleted, err := h.service.Delete(r.Context(), userID, siteID, r.URL.Query().Get("label"))
	if err != nil {
		handleServiceError(w, siteID, err)
		return
	}
	if !deleted {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewSessionNotFoundError(siteID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
