// Package site はスクレイピング対象サイトの設定と、サイトごとのログイン手順（AuthFlow）を提供する。
//
// オーケストレーターはAuthFlowインターフェースとFlowRegistryだけを参照し、
// サイト固有のセレクタや文言を直接扱わない。
package site

import (
	"context"

	"github.com/hitoshi/loginkeeper/internal/browser"
)

// PageState はページの認証状態の分類。
type PageState string

const (
	// StateLoggedIn はログイン済みのページ。
	StateLoggedIn PageState = "LOGGED_IN"
	// StateLoginPage はログインフォームが表示されている。
	StateLoginPage PageState = "LOGIN_PAGE"
	// StateMFARequired はワンタイムコードの入力を求められている。
	StateMFARequired PageState = "MFA_REQUIRED"
	// StateChallenge はCAPTCHAなどのボット対策画面。
	StateChallenge PageState = "CHALLENGE"
	// StateAccountBlocked はアカウントが停止・ロックされている。
	StateAccountBlocked PageState = "ACCOUNT_BLOCKED"
	// StateContentPage はログイン不要の通常コンテンツ。
	StateContentPage PageState = "CONTENT_PAGE"
	// StateUnknown は判定できない。
	StateUnknown PageState = "UNKNOWN"
)

// Authenticated はログイン済みとみなせる状態かを返す。
func (s PageState) Authenticated() bool {
	return s == StateLoggedIn
}

// Credentials はログインに使う復号済みの認証情報。ログに出力してはならない。
type Credentials struct {
	Username string
	Password string
}

// StepResult はログインやMFA送信などの操作後のページ状態。
// Messageはページに表示されたエラー文言（サニタイズ済み）で、ない場合は空。
type StepResult struct {
	State   PageState
	Message string
}

// AuthFlow はサイトごとのログイン手順。実装はステートレスであること。
// 渡されたctxのデッドラインは各操作のタイムアウトとして使われる。
type AuthFlow interface {
	// DetectState は現在のページの状態を判定する。
	DetectState(ctx context.Context, page browser.Page) (PageState, error)
	// Login はログインフォームに認証情報を入力して送信し、送信後の状態を返す。
	Login(ctx context.Context, page browser.Page, creds Credentials) (StepResult, error)
	// HandleMFA はワンタイムコードを入力して送信し、送信後の状態を返す。
	HandleMFA(ctx context.Context, page browser.Page, code string) (StepResult, error)
	// ValidateSession は検証用URLへ移動し、ログイン済みかを返す。
	ValidateSession(ctx context.Context, page browser.Page) (bool, error)
	// IsContentPage は現在のページがログイン画面やチャレンジ画面ではない通常のページかを返す。
	IsContentPage(ctx context.Context, page browser.Page) (bool, error)
}
