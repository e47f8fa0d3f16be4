// Package usersession はユーザーが自分でエクスポートしたログイン済みセッションを保管し、
// 必要な時にブラウザコンテキストとして復元する。
//
// スナップショットは保存前に検証し、1つの暗号文として保存する。
// 状態遷移（ACTIVE/EXPIRED/NEEDS_REAUTH/INVALID）以外の更新は再アップロードでのみ行う。
package usersession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/loginkeeper/internal/browser"
	"github.com/hitoshi/loginkeeper/internal/metrics"
	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/repository"
	"github.com/hitoshi/loginkeeper/internal/site"
)

// DefaultMaxAge は保存からの有効期限の上限。設定でこれより長くはできない。
const DefaultMaxAge = 7 * 24 * time.Hour

// StatusNotFound はセッションが登録されていないことを表すAcquireの結果状態。
const StatusNotFound model.UserSessionStatus = "NOT_FOUND"


// Cipher はスナップショットの暗号化インターフェース。vault.Vaultが実装する。
type Cipher interface {
	CheckKey() error
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SiteLookup はサイト設定の参照インターフェース。
type SiteLookup interface {
	Get(id string) (*site.Site, bool)
}

// Config はStoreの設定。
type Config struct {
	MaxAge         time.Duration
	NotifyCooldown time.Duration
}

// Store はユーザーセッションストア。
type Store struct {
	repo     repository.UserSessionRepository
	cipher   Cipher
	engine   browser.Engine
	sites    SiteLookup
	notifier Notifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   Config
	now      func() time.Time
}

// NewStore はStoreを生成する。notifierとmetricsはnilでもよい。
func NewStore(
	repo repository.UserSessionRepository,
	cipher Cipher,
	engine browser.Engine,
	sites SiteLookup,
	notifier Notifier,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Store {
	if config.MaxAge <= 0 || config.MaxAge > DefaultMaxAge {
		if config.MaxAge > DefaultMaxAge && logger != nil {
			logger.Warn("user session max age exceeds the limit, clamping",
				slog.Duration("configured", config.MaxAge),
				slog.Duration("limit", DefaultMaxAge),
			)
		}
		config.MaxAge = DefaultMaxAge
	}
	if config.NotifyCooldown <= 0 {
		config.NotifyCooldown = DefaultNotifyCooldown
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Store{
		repo:     repo,
		cipher:   cipher,
		engine:   engine,
		sites:    sites,
		notifier: notifier,
		metrics:  mc,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// SetClock は時刻の取得元を差し替える。テスト用。
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// resolve はサイトとラベルから対象ドメインを決める。
func (s *Store) resolve(siteID, label string) (*site.Site, string, error) {
	cfg, ok := s.sites.Get(siteID)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", model.ErrUnknownSite, siteID)
	}
	domain, err := cfg.DomainFor(label)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", model.ErrUnknownSite, err)
	}
	return cfg, domain, nil
}

// ValidateSnapshot はrawがサイトの主ドメイン向けのスナップショットとして使えるかを検証する。
func (s *Store) ValidateSnapshot(raw []byte, siteID string) ValidationResult {
	return s.ValidateSnapshotFor(raw, siteID, "")
}

// ValidateSnapshotFor はラベルで選んだドメインに対してスナップショットを検証する。
func (s *Store) ValidateSnapshotFor(raw []byte, siteID, label string) ValidationResult {
	_, domain, err := s.resolve(siteID, label)
	if err != nil {
		return ValidationResult{Error: err.Error()}
	}
	return Validate(raw, domain, s.now())
}

// SaveResult はSaveの結果。
type SaveResult struct {
	Success   bool
	SessionID string
	ExpiresAt time.Time
	Error     string
}

// Save はスナップショットを検証・暗号化して保存する。既存のセッションは置き換え、エラー状態をリセットする。
// 検証エラーは*model.ValidationError、鍵設定の不備は*model.EncryptionErrorを返す。
func (s *Store) Save(ctx context.Context, userID, siteID string, raw []byte, label string) (SaveResult, error) {
	_, domain, err := s.resolve(siteID, label)
	if err != nil {
		return SaveResult{Error: err.Error()}, err
	}

	// 鍵が使えない状態で保存しない
	if err := s.cipher.CheckKey(); err != nil {
		s.logger.Error("refusing to store user session: encryption key unavailable",
			slog.String("site", siteID),
			slog.String("error", err.Error()),
		)
		return SaveResult{Error: "encryption unavailable"}, err
	}

	now := s.now()
	v := Validate(raw, domain, now)
	if !v.Valid {
		s.metrics.RecordSnapshotRejected(siteID)
		return SaveResult{Error: v.Error}, &model.ValidationError{Message: v.Error}
	}

	plain, err := json.Marshal(v.snapshot)
	if err != nil {
		return SaveResult{Error: "failed to serialize snapshot"}, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	encrypted, err := s.cipher.Encrypt(string(plain))
	if err != nil {
		return SaveResult{Error: "encryption failed"}, err
	}

	session := &model.UserSession{
		ID:                uuid.New().String(),
		UserID:            userID,
		Site:              siteID,
		Domain:            domain,
		Status:            model.UserSessionActive,
		EncryptedSnapshot: encrypted,
		Metadata: model.UserSessionMetadata{
			CookieCount: v.CookieCount,
			Domains:     v.Domains,
			Label:       label,
		},
		ExpiresAt: v.expiresAt(now, s.config.MaxAge),
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.repo.Upsert(ctx, session)
	if err != nil {
		return SaveResult{Error: "failed to store session"}, err
	}

	s.logger.Info("user session saved",
		slog.String("user_id", userID),
		slog.String("site", siteID),
		slog.String("domain", domain),
		slog.Int("cookie_count", v.CookieCount),
		slog.Time("expires_at", session.ExpiresAt),
	)
	return SaveResult{Success: true, SessionID: id, ExpiresAt: session.ExpiresAt}, nil
}

// UserContextResult はAcquireContextの結果。
// Successがtrueの場合のみContextとPageが設定され、使い終わったらCleanupを呼ぶこと。
type UserContextResult struct {
	Success         bool
	Status          model.UserSessionStatus
	NeedsUserAction bool
	Message         string
	SessionID       string
	Domain          string
	Context         browser.Context
	Page            browser.Page

	cleanup    func()
	invalidate func(ctx context.Context, reason string) (MarkResult, error)
}

// Cleanup はコンテキストだけを閉じる。共有ブラウザプロセスは閉じない。複数回呼んでもよい。
func (r *UserContextResult) Cleanup() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

// Invalidate はこのセッションをNEEDS_REAUTHとして記録してからCleanupする。
func (r *UserContextResult) Invalidate(ctx context.Context, reason string) (MarkResult, error) {
	defer r.Cleanup()
	if r.invalidate == nil {
		return MarkResult{}, nil
	}
	return r.invalidate(ctx, reason)
}

func needsAction(status model.UserSessionStatus, message string) *UserContextResult {
	return &UserContextResult{Status: status, NeedsUserAction: true, Message: message}
}

// AcquireContext は保存済みスナップショットを読み込んだ新しいブラウザコンテキストを返す。
// 利用できない場合はSuccess=falseとNeedsUserAction=trueの結果を返す。errorは一時的な障害の場合のみ。
func (s *Store) AcquireContext(ctx context.Context, userID, siteID, label string) (*UserContextResult, error) {
	_, domain, err := s.resolve(siteID, label)
	if err != nil {
		return nil, err
	}

	rec, err := s.repo.FindByKey(ctx, userID, siteID, domain)
	if err != nil {
		return nil, err
	}
	result, err := s.acquire(ctx, rec, domain)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordUserSessionAcquire(siteID, string(result.Status))
	return result, nil
}

func (s *Store) acquire(ctx context.Context, rec *model.UserSession, domain string) (*UserContextResult, error) {
	if rec == nil {
		return needsAction(StatusNotFound, "no session uploaded for this site"), nil
	}

	switch rec.Status {
	case model.UserSessionNeedsReauth, model.UserSessionInvalid:
		return needsAction(rec.Status, "stored session is "+string(rec.Status)+"; upload a fresh export"), nil
	case model.UserSessionExpired:
		return needsAction(rec.Status, "stored session has expired; upload a fresh export"), nil
	}

	now := s.now()
	if rec.IsExpired(now) {
		if err := s.transition(ctx, rec, model.UserSessionExpired, "session expired", now); err != nil {
			return nil, err
		}
		return needsAction(model.UserSessionExpired, "stored session has expired; upload a fresh export"), nil
	}

	snapshot, reason := s.decode(rec)
	if snapshot == nil {
		if err := s.transition(ctx, rec, model.UserSessionInvalid, reason, now); err != nil {
			return nil, err
		}
		return needsAction(model.UserSessionInvalid, "stored session could not be read; upload a fresh export"), nil
	}

	bctx, err := s.engine.NewContext(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, err
	}

	if err := s.repo.TouchLastUsed(ctx, rec.ID, now); err != nil {
		s.logger.Warn("failed to stamp user session last use",
			slog.String("session_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	var once sync.Once
	return &UserContextResult{
		Success:   true,
		Status:    model.UserSessionActive,
		SessionID: rec.ID,
		Domain:    domain,
		Context:   bctx,
		Page:      page,
		cleanup: func() {
			once.Do(func() {
				_ = page.Close()
				if err := bctx.Close(); err != nil {
					s.logger.Warn("failed to close user session context", slog.String("error", err.Error()))
				}
			})
		},
		invalidate: func(ctx context.Context, reason string) (MarkResult, error) {
			return s.markNeedsReauth(ctx, rec.UserID, rec.Site, domain, reason)
		},
	}, nil
}

// decode は暗号文を復号してスナップショットに戻す。失敗時はnilと理由を返す。
func (s *Store) decode(rec *model.UserSession) (*model.SessionSnapshot, string) {
	plain, err := s.cipher.Decrypt(rec.EncryptedSnapshot)
	if err != nil {
		s.logger.Error("failed to decrypt user session",
			slog.String("session_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return nil, "decryption failed"
	}
	var snapshot model.SessionSnapshot
	if err := json.Unmarshal([]byte(plain), &snapshot); err != nil {
		return nil, "stored snapshot is corrupted"
	}
	return &snapshot, ""
}

// transition は状態とエラー情報だけを更新する。
func (s *Store) transition(ctx context.Context, rec *model.UserSession, status model.UserSessionStatus, reason string, now time.Time) error {
	meta := rec.Metadata
	meta.LastErrorReason = reason
	if err := s.repo.UpdateStatus(ctx, rec.ID, status, meta, &now); err != nil {
		return fmt.Errorf("failed to mark user session %s: %w", status, err)
	}
	s.logger.Info("user session status changed",
		slog.String("session_id", rec.ID),
		slog.String("site", rec.Site),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	return nil
}

// MarkResult はMarkNeedsReauthの結果。
type MarkResult struct {
	Notified bool
}

// MarkNeedsReauth はサイトの主ドメインのセッションをNEEDS_REAUTHにする。
// 状態とエラー情報は常に更新し、前回の通知から通知抑止期間が経過している場合のみ通知する。
func (s *Store) MarkNeedsReauth(ctx context.Context, userID, siteID, reason string) (MarkResult, error) {
	_, domain, err := s.resolve(siteID, "")
	if err != nil {
		return MarkResult{}, err
	}
	return s.markNeedsReauth(ctx, userID, siteID, domain, reason)
}

func (s *Store) markNeedsReauth(ctx context.Context, userID, siteID, domain, reason string) (MarkResult, error) {
	rec, err := s.repo.FindByKey(ctx, userID, siteID, domain)
	if err != nil {
		return MarkResult{}, err
	}
	if rec == nil {
		return MarkResult{}, &model.NoSessionError{UserID: userID, Site: siteID}
	}

	// 通知の要否は保存先で判定と同時に確定させる。同時に呼ばれても通知は1回になる
	now := s.now()
	notify, err := s.repo.MarkNeedsReauth(ctx, rec.ID, reason, now.Add(-s.config.NotifyCooldown), now)
	if errors.Is(err, repository.ErrUserSessionNotFound) {
		return MarkResult{}, &model.NoSessionError{UserID: userID, Site: siteID}
	}
	if err != nil {
		return MarkResult{}, fmt.Errorf("failed to mark user session NEEDS_REAUTH: %w", err)
	}

	if notify {
		err := s.notifier.NotifyNeedsReauth(ctx, Notification{
			UserID: userID,
			Site:   siteID,
			Domain: domain,
			Status: model.UserSessionNeedsReauth,
			Reason: reason,
			At:     now,
		})
		if err != nil {
			s.logger.Error("failed to notify user",
				slog.String("user_id", userID),
				slog.String("site", siteID),
				slog.String("error", err.Error()),
			)
		}
	}
	return MarkResult{Notified: notify}, nil
}

// StatusResult はStatusの結果。
type StatusResult struct {
	Exists      bool
	Status      model.UserSessionStatus
	NeedsAction bool
	ExpiresAt   time.Time
	LastUsedAt  *time.Time
	Reason      string
}

// Status はサイトの主ドメインのセッション状態を返す。
// ACTIVEのまま有効期限を過ぎたセッションはEXPIREDとして報告する（記録は変更しない）。
func (s *Store) Status(ctx context.Context, userID, siteID string) (StatusResult, error) {
	_, domain, err := s.resolve(siteID, "")
	if err != nil {
		return StatusResult{}, err
	}
	rec, err := s.repo.FindByKey(ctx, userID, siteID, domain)
	if err != nil {
		return StatusResult{}, err
	}
	if rec == nil {
		return StatusResult{Status: StatusNotFound, NeedsAction: true}, nil
	}

	status := rec.Status
	if status == model.UserSessionActive && rec.IsExpired(s.now()) {
		status = model.UserSessionExpired
	}
	return StatusResult{
		Exists:      true,
		Status:      status,
		NeedsAction: status != model.UserSessionActive,
		ExpiresAt:   rec.ExpiresAt,
		LastUsedAt:  rec.LastUsedAt,
		Reason:      rec.Metadata.LastErrorReason,
	}, nil
}

// Delete はユーザーのセッションを削除する。削除した場合はtrueを返す。
func (s *Store) Delete(ctx context.Context, userID, siteID, label string) (bool, error) {
	_, domain, err := s.resolve(siteID, label)
	if err != nil {
		return false, err
	}
	deleted, err := s.repo.Delete(ctx, userID, siteID, domain)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("user session deleted",
			slog.String("user_id", userID),
			slog.String("site", siteID),
			slog.String("domain", domain),
		)
	}
	return deleted, nil
}
