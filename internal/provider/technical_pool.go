package provider

import (
	"context"
	"log/slog"

	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/orchestrator"
)

// ContextSource は技術アカウントのコンテキスト取得インターフェース。orchestrator.Orchestratorが実装する。
type ContextSource interface {
	GetContext(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error)
}

// AccountSelector はサイトで使えるアカウントの有無を確認するインターフェース。pool.Poolが実装する。
type AccountSelector interface {
	SelectAccount(ctx context.Context, site string) (*model.AccountConfig, error)
}

// TechnicalPoolProvider はシステム所有の技術アカウントを使うプロバイダ。
type TechnicalPoolProvider struct {
	contexts ContextSource
	accounts AccountSelector
	logger   *slog.Logger
}

// NewTechnicalPoolProvider はTechnicalPoolProviderを生成する。
func NewTechnicalPoolProvider(contexts ContextSource, accounts AccountSelector, logger *slog.Logger) *TechnicalPoolProvider {
	return &TechnicalPoolProvider{contexts: contexts, accounts: accounts, logger: logger}
}

func (p *TechnicalPoolProvider) Name() string  { return NameTechnicalPool }
func (p *TechnicalPoolProvider) Priority() int { return 10 }

// IsAvailable は選択可能なアカウントがあればtrueを返す。
func (p *TechnicalPoolProvider) IsAvailable(ctx context.Context, _ string, siteID string) bool {
	_, err := p.accounts.SelectAccount(ctx, siteID)
	return err == nil
}

func (p *TechnicalPoolProvider) Acquire(ctx context.Context, _ string, siteID string) (*Result, error) {
	ac, err := p.contexts.GetContext(ctx, siteID, "")
	if err != nil {
		return nil, err
	}
	return &Result{
		Success:   true,
		Provider:  NameTechnicalPool,
		Status:    StatusOK,
		AccountID: ac.Account.ID,
		Context:   ac.Context,
		Page:      ac.Page,
		release:   ac.Release,
		invalidate: func(ctx context.Context, reason string) error {
			return ac.Invalidate(ctx, reason)
		},
	}, nil
}
