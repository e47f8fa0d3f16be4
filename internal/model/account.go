// Package model はドメインモデルを定義する。
package model

import "time"

// MFAKind はアカウントに設定された多要素認証の種類を表す。
type MFAKind string

const (
	// MFAKindNone はMFAなし。
	MFAKindNone MFAKind = "NONE"
	// MFAKindTOTP は認証アプリ（TOTP）。自動で解決できる唯一の種類。
	MFAKindTOTP MFAKind = "TOTP"
	// MFAKindEmailOTP はメールで届くワンタイムコード。
	MFAKindEmailOTP MFAKind = "EMAIL_OTP"
	// MFAKindSMSOTP はSMSで届くワンタイムコード。
	MFAKindSMSOTP MFAKind = "SMS_OTP"
	// MFAKindAppApproval はアプリでのプッシュ承認。
	MFAKindAppApproval MFAKind = "APP_APPROVAL"
)

// Valid は既知のMFA種別かどうかを返す。
func (k MFAKind) Valid() bool {
	switch k {
	case MFAKindNone, MFAKindTOTP, MFAKindEmailOTP, MFAKindSMSOTP, MFAKindAppApproval:
		return true
	}
	return false
}

// Automatable は人手を介さずにMFAを解決できるかを返す。
func (k MFAKind) Automatable() bool {
	return k == MFAKindTOTP
}

// AccountStatus は技術アカウントの状態を表す。
type AccountStatus string

const (
	// AccountStatusOK は正常にログインできている状態。
	AccountStatusOK AccountStatus = "OK"
	// AccountStatusDegraded は直近のログインに失敗したが自動で再試行可能な状態。
	AccountStatusDegraded AccountStatus = "DEGRADED"
	// AccountStatusNeedsReauth はオペレーターによる手動ログインが必要な状態。
	AccountStatusNeedsReauth AccountStatus = "NEEDS_REAUTH"
	// AccountStatusBlocked は対象サイト側でアカウントがブロックされた状態。
	AccountStatusBlocked AccountStatus = "BLOCKED"
	// AccountStatusSiteChanged はサイトの画面構成が変わりフローが追従できない状態。
	AccountStatusSiteChanged AccountStatus = "SITE_CHANGED"
	// AccountStatusDisabled はオペレーターが無効化した状態。
	AccountStatusDisabled AccountStatus = "DISABLED"
)

// Valid は既知のアカウント状態かどうかを返す。
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusOK, AccountStatusDegraded, AccountStatusNeedsReauth,
		AccountStatusBlocked, AccountStatusSiteChanged, AccountStatusDisabled:
		return true
	}
	return false
}

// Selectable はアカウント選択の対象になり得る状態かどうかを返す。
// BLOCKEDとDISABLEDは選択されない。
func (s AccountStatus) Selectable() bool {
	return s != AccountStatusBlocked && s != AccountStatusDisabled
}

// OTPMailbox はメールOTPを受信するメールボックスの認証情報を表す。
type OTPMailbox struct {
	Address           string
	EncryptedPassword string
	IMAPHost          string
}

// AccountCredentials は技術アカウントのログイン情報を表す。
// パスワードとTOTPシークレットは常に暗号化された状態で保持する。
type AccountCredentials struct {
	Username            string
	EncryptedPassword   string
	EncryptedTOTPSecret string // 空の場合はTOTP未設定
	OTPMailbox          *OTPMailbox
}

// AccountConfig は対象サイトごとの技術アカウント（システム所有の認証情報）を表す。
type AccountConfig struct {
	ID                  string
	Site                string
	Credentials         AccountCredentials
	MFAKind             MFAKind
	Status              AccountStatus
	Priority            int // 大きいほど優先
	ConsecutiveFailures int
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	StatusMessage       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SessionState はプロセス内でのみ保持する技術アカウントのセッション状態。
// コンテキスト取得のたびに作り直され、永続化されない。
type SessionState struct {
	AccountID       string
	Site            string
	ProfileDir      string
	IsAuthenticated bool
	CreatedAt       time.Time
	LastValidatedAt time.Time
}

// CircuitBreakerState はサイトごとのサーキットブレーカーの状態。
type CircuitBreakerState struct {
	IsOpen   bool
	Failures int
	OpenedAt time.Time
	Probing  bool // クールダウン明けの試行が実行中
}
