package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/loginkeeper/internal/middleware"
	"github.com/hitoshi/loginkeeper/internal/model"
)

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	middleware.WriteJSON(w, statusCode, body)
}

// handleServiceError はストアから返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, siteID string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var validationErr *model.ValidationError
	var encryptionErr *model.EncryptionError
	var noSessionErr *model.NoSessionError
	switch {
	case errors.Is(err, model.ErrUnknownSite):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUnknownSiteError(siteID))
	case errors.As(err, &validationErr):
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewSnapshotValidationError(validationErr.Message))
	case errors.As(err, &encryptionErr):
		slog.Error("encryption unavailable", slog.String("site", siteID), slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewEncryptionUnavailableError())
	case errors.As(err, &noSessionErr):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewSessionNotFoundError(siteID))
	default:
		// 詳細はログのみに記録する
		slog.Error("internal server error", slog.String("site", siteID), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case model.ErrCodeUnknownSite, model.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case model.ErrCodeMissingUserID:
		return http.StatusUnauthorized
	case model.ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeEncryption:
		return http.StatusServiceUnavailable
	case model.ErrCodeInvalidArguments:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
