// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSite はサイト設定にないサイトを指定したことを表す。
// サイトを受け取る全ての経路がこのエラーを%wで包んで返す。
var ErrUnknownSite = errors.New("unknown site")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, session, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード（機械可読な理由）
const (
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeEncryption       = "ENCRYPTION_FAILED"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeNoAccount        = "NO_ACCOUNT"
	ErrCodeNoSession        = "NO_SESSION"
	ErrCodeRenewalFailed    = "AUTH_RENEWAL_FAILED"
	ErrCodeAuthRequired     = "AUTH_REQUIRED"
	ErrCodeUnknownSite      = "UNKNOWN_SITE"
	ErrCodeAccountNotFound  = "ACCOUNT_NOT_FOUND"
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeMissingUserID    = "MISSING_USER_ID"
	ErrCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	ErrCodeInvalidArguments = "INVALID_ARGUMENTS"
)

// ValidationError はセッションスナップショットの形式不正やドメイン不一致を表す。
// ユーザーに再エクスポートを依頼すれば常に回復できる。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid session snapshot: " + e.Message
}

// Reason は機械可読な理由を返す。
func (e *ValidationError) Reason() string { return ErrCodeValidation }

// EncryptionError は暗号鍵の設定不備、または保存済みデータの復号失敗を表す。
type EncryptionError struct {
	Op  string // "encrypt", "decrypt", "key"
	Err error
}

func (e *EncryptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("encryption error (%s)", e.Op)
	}
	return fmt.Sprintf("encryption error (%s): %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Reason は機械可読な理由を返す。
func (e *EncryptionError) Reason() string { return ErrCodeEncryption }

// AuthError はログイン拒否、MFA拒否、チャレンジ検出、アカウントブロックを表す。
type AuthError struct {
	Site                    string
	AccountID               string
	State                   string // 検出されたページ状態
	Message                 string
	NeedsManualIntervention bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s/%s (%s): %s", e.Site, e.AccountID, e.State, e.Message)
}

// Reason は機械可読な理由を返す。
func (e *AuthError) Reason() string { return ErrCodeAuthFailed }

// CircuitOpenError はサイトのサーキットブレーカーが開いているため試行しなかったことを表す。
type CircuitOpenError struct {
	Site     string
	OpenedAt time.Time
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for site %s until %s", e.Site, e.RetryAt.Format(time.RFC3339))
}

// Reason は機械可読な理由を返す。
func (e *CircuitOpenError) Reason() string { return ErrCodeCircuitOpen }

// NoAccountError は技術アカウントプールに利用可能なアカウントがないことを表す。
type NoAccountError struct {
	Site string
}

func (e *NoAccountError) Error() string {
	return fmt.Sprintf("no usable technical account for site %s", e.Site)
}

// Reason は機械可読な理由を返す。
func (e *NoAccountError) Reason() string { return ErrCodeNoAccount }

// NoSessionError はユーザーセッションストアに利用可能なセッションがないことを表す。
type NoSessionError struct {
	UserID string
	Site   string
	Status UserSessionStatus // 空の場合は未登録
}

func (e *NoSessionError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("no session for user %s on site %s", e.UserID, e.Site)
	}
	return fmt.Sprintf("session for user %s on site %s is %s", e.UserID, e.Site, e.Status)
}

// Reason は機械可読な理由を返す。
func (e *NoSessionError) Reason() string { return ErrCodeNoSession }

// AuthRenewalFailedError は規定回数の再ログインがすべて失敗したことを表す。
type AuthRenewalFailedError struct {
	Site                    string
	AccountID               string
	Attempts                int
	NeedsManualIntervention bool
	Err                     error // 最後の試行のエラー
}

func (e *AuthRenewalFailedError) Error() string {
	msg := fmt.Sprintf("auth renewal failed for %s/%s after %d attempt(s)", e.Site, e.AccountID, e.Attempts)
	if e.NeedsManualIntervention {
		msg += " (manual intervention required)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthRenewalFailedError) Unwrap() error { return e.Err }

// Reason は機械可読な理由を返す。
func (e *AuthRenewalFailedError) Reason() string { return ErrCodeRenewalFailed }

// AuthRequiredError は認証必須サイトに対して利用可能なセッションがないことを表す。
type AuthRequiredError struct {
	Site string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for site %s", e.Site)
}

// Reason は機械可読な理由を返す。
func (e *AuthRequiredError) Reason() string { return ErrCodeAuthRequired }

// NewUnknownSiteError は未設定サイトを指定された場合のエラーを生成する。
func NewUnknownSiteError(site string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownSite,
		Message:  fmt.Sprintf("対象サイトが設定されていません: %s", site),
		Category: "validation",
		Action:   "サイトIDを確認してください。",
	}
}

// NewSnapshotValidationError はスナップショット検証エラーを生成する。
func NewSnapshotValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "対象サイトに完全にログインした状態で、セッションを再度エクスポートしてください。",
	}
}

// NewEncryptionUnavailableError は暗号鍵の設定不備によるエラーを生成する。
func NewEncryptionUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeEncryption,
		Message:  "セッションを安全に保存できません。",
		Category: "system",
		Action:   "管理者に連絡してください。",
	}
}

// NewSessionNotFoundError はユーザーセッション未登録エラーを生成する。
func NewSessionNotFoundError(site string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("このサイトのセッションは登録されていません: %s", site),
		Category: "session",
		Action:   "ブラウザからセッションをエクスポートしてアップロードしてください。",
	}
}

// NewMissingUserIDError はユーザーID未指定エラーを生成する。
func NewMissingUserIDError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingUserID,
		Message:  "ユーザーIDが指定されていません。",
		Category: "auth",
		Action:   "X-User-IDヘッダーを付与してください。",
	}
}

// NewPayloadTooLargeError はリクエストボディが大きすぎる場合のエラーを生成する。
func NewPayloadTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodePayloadTooLarge,
		Message:  fmt.Sprintf("スナップショットが大きすぎます（上限 %d バイト）。", limit),
		Category: "validation",
		Action:   "対象サイト以外のCookieを除外して再度エクスポートしてください。",
	}
}
