package provider

import (
	"context"
	"log/slog"

	"github.com/hitoshi/loginkeeper/internal/usersession"
)

// UserSessionSource はユーザーセッションストアのインターフェース。usersession.Storeが実装する。
type UserSessionSource interface {
	Status(ctx context.Context, userID, siteID string) (usersession.StatusResult, error)
	AcquireContext(ctx context.Context, userID, siteID, label string) (*usersession.UserContextResult, error)
}

// UserSessionProvider はユーザーがアップロードしたセッションを使うプロバイダ。
type UserSessionProvider struct {
	store  UserSessionSource
	logger *slog.Logger
}

// NewUserSessionProvider はUserSessionProviderを生成する。
func NewUserSessionProvider(store UserSessionSource, logger *slog.Logger) *UserSessionProvider {
	return &UserSessionProvider{store: store, logger: logger}
}

func (p *UserSessionProvider) Name() string  { return NameUserSession }
func (p *UserSessionProvider) Priority() int { return 100 }

// IsAvailable はユーザーのセッションが登録されていればtrueを返す。
// 利用できない状態のセッションもtrueとし、Acquireで再登録依頼として返す。
func (p *UserSessionProvider) IsAvailable(ctx context.Context, userID, siteID string) bool {
	if userID == "" {
		return false
	}
	st, err := p.store.Status(ctx, userID, siteID)
	if err != nil {
		p.logger.Warn("failed to read user session status",
			slog.String("user_id", userID),
			slog.String("site", siteID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return st.Exists
}

func (p *UserSessionProvider) Acquire(ctx context.Context, userID, siteID string) (*Result, error) {
	res, err := p.store.AcquireContext(ctx, userID, siteID, "")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return &Result{
			Provider:        NameUserSession,
			Status:          string(res.Status),
			Message:         res.Message,
			NeedsUserAction: res.NeedsUserAction,
		}, nil
	}
	return &Result{
		Success:  true,
		Provider: NameUserSession,
		Status:   StatusOK,
		Context:  res.Context,
		Page:     res.Page,
		release:  res.Cleanup,
		invalidate: func(ctx context.Context, reason string) error {
			_, err := res.Invalidate(ctx, reason)
			return err
		},
	}, nil
}
