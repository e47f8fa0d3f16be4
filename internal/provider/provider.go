// Package provider は(ユーザー, サイト)に対して最適な認証済みコンテキストの取得手段を選ぶ。
//
// 優先度の高い順にユーザー提供セッション、リモートブラウザ（未実装）、技術アカウントプールを試し、
// いずれも使えない場合は認証必須サイトなら失敗、そうでなければ匿名での続行を返す。
package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/hitoshi/loginkeeper/internal/browser"
)

// プロバイダ名
const (
	NameUserSession   = "user_session"
	NameRemoteBrowser = "remote_browser"
	NameTechnicalPool = "technical_pool"
)

// 結果の状態
const (
	StatusOK           = "OK"
	StatusAuthRequired = "AUTH_REQUIRED"
	StatusAnonymous    = "ANONYMOUS"
)

// ErrNotImplemented は未実装のプロバイダが呼ばれたことを表す。
var ErrNotImplemented = errors.New("provider not implemented")

// Provider はセッション取得手段の1つ。
type Provider interface {
	Name() string
	// Priority は大きいほど先に試される。
	Priority() int
	// IsAvailable はこのプロバイダが(ユーザー, サイト)に対して応答できるかを返す。
	IsAvailable(ctx context.Context, userID, siteID string) bool
	// Acquire はコンテキストを取得する。errorは一時的な障害を表し、カスケードは次のプロバイダへ進む。
	Acquire(ctx context.Context, userID, siteID string) (*Result, error)
}

// Result はセッション取得の結果。
// Successがtrueで、Anonymousでない場合はContextとPageが設定される。使い終わったらReleaseを呼ぶこと。
type Result struct {
	Success         bool
	Provider        string
	Status          string
	Message         string
	NeedsUserAction bool
	Anonymous       bool
	AccountID       string // 技術アカウントの場合のみ
	Context         browser.Context
	Page            browser.Page

	release    func()
	invalidate func(ctx context.Context, reason string) error
	once       sync.Once
}

// Release はコンテキストを返却する。複数回呼んでもよい。
func (r *Result) Release() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// Invalidate はスクレイピング中に認証切れを検出した場合に呼ぶ。
// 取得元に失効を記録してからReleaseする。
func (r *Result) Invalidate(ctx context.Context, reason string) error {
	if r.invalidate == nil {
		r.Release()
		return nil
	}
	// invalidateは取得元のクリーンアップも行う
	err := r.invalidate(ctx, reason)
	r.once.Do(func() {})
	return err
}
