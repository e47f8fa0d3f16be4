// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// ErrUserSessionNotFound は更新対象のユーザーセッションが存在しないことを表す。
var ErrUserSessionNotFound = errors.New("user session not found")

// ErrDuplicateAccount は同じサイトに同じユーザー名のアカウントが既に登録されていることを表す。
var ErrDuplicateAccount = errors.New("account already exists for site and username")

// AccountRepository は技術アカウントの永続化インターフェース。
// 認証試行ごとの更新は行単位のUPDATEで行い、読み込み→変更→全体保存はしない。
type AccountRepository interface {
	// Create はアカウントを作成する。(site, username) が重複する場合はErrDuplicateAccountを返す。
	Create(ctx context.Context, account *model.AccountConfig) error

	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AccountConfig, error)

	// ListBySite はサイトのアカウント一覧を返す。siteが空の場合は全サイト。
	ListBySite(ctx context.Context, site string) ([]*model.AccountConfig, error)

	// Delete は指定IDのアカウントを削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// RecordSuccess は認証成功を記録する。
	// 連続失敗数を0にし、last_success_atを更新し、DISABLED以外はstatusをOKに戻す。
	RecordSuccess(ctx context.Context, id string, at time.Time) error

	// RecordFailure は認証失敗を記録する。
	// 連続失敗数をSQL上でインクリメントし、last_failure_atとstatusを更新する。DISABLEDは維持する。
	RecordFailure(ctx context.Context, id string, status model.AccountStatus, message string, at time.Time) error

	// UpdateStatus はstatusとstatus_messageだけを更新する。見つからない場合はfalseを返す。
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus, message string) (bool, error)

	// Reset はstatusをOK、連続失敗数を0、status_messageを空にする。見つからない場合はfalseを返す。
	Reset(ctx context.Context, id string) (bool, error)

	// CountByStatus はstatusごとのアカウント数を返す。siteが空の場合は全サイト。
	CountByStatus(ctx context.Context, site string) (map[model.AccountStatus]int, error)
}

// UserSessionRepository はユーザー提供セッションの永続化インターフェース。
// (user_id, site, domain) で一意。
type UserSessionRepository interface {
	// FindByKey はキーでセッションを取得する。見つからない場合はnilを返す。
	FindByKey(ctx context.Context, userID, site, domain string) (*model.UserSession, error)

	// Upsert はセッションを作成または置き換え、保存後のIDを返す。
	// 既存行がある場合はIDとcreated_atを維持し、スナップショット・状態・エラー情報を上書きする。
	Upsert(ctx context.Context, session *model.UserSession) (string, error)

	// UpdateStatus はstatus、metadata、last_error_atを更新する。暗号化済みスナップショットは変更しない。
	UpdateStatus(ctx context.Context, id string, status model.UserSessionStatus, metadata model.UserSessionMetadata, lastErrorAt *time.Time) error

	// MarkNeedsReauth はstatusをNEEDS_REAUTHにしてエラー理由とlast_error_atを記録する。
	// 前回の通知がnotifyCutoff以前か未通知の場合に限りlast_notified_atをatにしてtrueを返す。
	// 判定と更新は1行の更新として原子的に行う。行がなければErrUserSessionNotFoundを返す。
	MarkNeedsReauth(ctx context.Context, id, reason string, notifyCutoff, at time.Time) (bool, error)

	// TouchLastUsed はlast_used_atを更新する。
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// Delete はキーでセッションを削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, userID, site, domain string) (bool, error)
}
