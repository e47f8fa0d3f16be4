package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// ErrorCodeHeader はエラーコードを複製して返すレスポンスヘッダー。
// ボディを読まずにリトライ判定したいワーカー向け。
const ErrorCodeHeader = "X-Loginkeeper-Error"

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
}

// IsRetryableStatus は同じリクエストを後で再送して成功しうるステータスかを返す。
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return statusCode >= http.StatusInternalServerError && statusCode != http.StatusNotImplemented
}

// WriteJSON はbodyをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response body",
			slog.Int("status", statusCode),
			slog.String("error", err.Error()),
		)
	}
}

// WriteErrorResponse はAPIErrorを統一フォーマットで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set(ErrorCodeHeader, apiErr.Code)
	WriteJSON(w, statusCode, ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		Retryable: IsRetryableStatus(statusCode),
	})
}

// internalError は詳細を隠した500レスポンス用のエラー。
var internalError = model.APIError{
	Code:     "INTERNAL_ERROR",
	Message:  "内部エラーが発生しました。",
	Category: "system",
	Action:   "しばらく待ってから再度お試しください。",
}

// WriteInternalServerError は500を返す。詳細は呼び出し側でログに残すこと。
func WriteInternalServerError(w http.ResponseWriter) {
	e := internalError
	WriteErrorResponse(w, http.StatusInternalServerError, &e)
}
