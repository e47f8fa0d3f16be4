// Package pool は対象サイトごとの技術アカウントプールを管理する。
//
// アカウントの登録・一覧・削除・状態変更と、優先度に基づくアカウント選択を提供する。
// 認証情報は保存前に必ず暗号化される。
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/repository"
	"github.com/hitoshi/loginkeeper/internal/site"
	"github.com/hitoshi/loginkeeper/internal/totp"
	"github.com/hitoshi/loginkeeper/internal/vault"
)

var (
	// ErrAccountNotFound は指定IDのアカウントが存在しないことを表す。
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidAccount はアカウントの入力内容が不正であることを表す。
	ErrInvalidAccount = errors.New("invalid account")
)

// Encryptor は認証情報の暗号化と復号のインターフェース。vault.Vaultが実装する。
type Encryptor interface {
	EnsureEncrypted(text string) (string, error)
	EnsureDecrypted(text string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SiteLookup はサイト設定の参照インターフェース。site.Registryが実装する。
type SiteLookup interface {
	Get(id string) (*site.Site, bool)
}

// MailboxInput はメールOTP受信用メールボックスの平文入力。
type MailboxInput struct {
	Address  string
	Password string
	IMAPHost string
}

// NewAccount はアカウント追加時の入力。パスワードとシークレットは平文でも暗号文でもよい。
type NewAccount struct {
	Site       string
	Username   string
	Password   string
	TOTPSecret string
	MFAKind    model.MFAKind
	Priority   int
	OTPMailbox *MailboxInput
}

// DecryptedCredentials は復号済みの認証情報。ログに出力してはならない。
type DecryptedCredentials struct {
	Username   string
	Password   string
	TOTPSecret string
}

// Pool は技術アカウントプール。
type Pool struct {
	repo   repository.AccountRepository
	vault  Encryptor
	sites  SiteLookup
	logger *slog.Logger
	now    func() time.Time
}

// NewPool はPoolを生成する。
func NewPool(repo repository.AccountRepository, v Encryptor, sites SiteLookup, logger *slog.Logger) *Pool {
	return &Pool{
		repo:   repo,
		vault:  v,
		sites:  sites,
		logger: logger,
		now:    time.Now,
	}
}

// AddAccount は入力を検証し、認証情報を暗号化してアカウントを登録する。
func (p *Pool) AddAccount(ctx context.Context, in NewAccount) (string, error) {
	in.Site = strings.TrimSpace(in.Site)
	in.Username = strings.TrimSpace(in.Username)
	if in.MFAKind == "" {
		in.MFAKind = model.MFAKindNone
	}

	if _, ok := p.sites.Get(in.Site); !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownSite, in.Site)
	}
	if in.Username == "" || in.Password == "" {
		return "", fmt.Errorf("%w: username and password are required", ErrInvalidAccount)
	}
	if !in.MFAKind.Valid() {
		return "", fmt.Errorf("%w: unknown mfa kind %q", ErrInvalidAccount, in.MFAKind)
	}
	if in.MFAKind == model.MFAKindTOTP && in.TOTPSecret == "" {
		return "", fmt.Errorf("%w: totp secret is required for mfa kind TOTP", ErrInvalidAccount)
	}

	creds := model.AccountCredentials{Username: in.Username}
	var err error
	if creds.EncryptedPassword, err = p.vault.EnsureEncrypted(in.Password); err != nil {
		return "", err
	}
	if in.TOTPSecret != "" {
		plain, err := p.vault.EnsureDecrypted(in.TOTPSecret)
		if err != nil {
			return "", err
		}
		if _, err := totp.DecodeSecret(plain); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAccount, err)
		}
		if creds.EncryptedTOTPSecret, err = p.vault.EnsureEncrypted(in.TOTPSecret); err != nil {
			return "", err
		}
	}
	if mb := in.OTPMailbox; mb != nil && mb.Address != "" {
		encrypted, err := p.vault.EnsureEncrypted(mb.Password)
		if err != nil {
			return "", err
		}
		creds.OTPMailbox = &model.OTPMailbox{Address: mb.Address, EncryptedPassword: encrypted, IMAPHost: mb.IMAPHost}
	}

	now := p.now()
	account := &model.AccountConfig{
		ID:          uuid.New().String(),
		Site:        in.Site,
		Credentials: creds,
		MFAKind:     in.MFAKind,
		Status:      model.AccountStatusOK,
		Priority:    in.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.repo.Create(ctx, account); err != nil {
		return "", err
	}

	p.logger.Info("technical account added",
		slog.String("site", account.Site),
		slog.String("account_id", account.ID),
		slog.String("username", vault.MaskEmail(account.Credentials.Username)),
		slog.String("mfa_kind", string(account.MFAKind)),
	)
	return account.ID, nil
}

// ListAccounts はサイトのアカウント一覧を返す。siteが空の場合は全サイト。
func (p *Pool) ListAccounts(ctx context.Context, site string) ([]*model.AccountConfig, error) {
	return p.repo.ListBySite(ctx, site)
}

// GetAccount はアカウントを返す。存在しない場合はErrAccountNotFound。
func (p *Pool) GetAccount(ctx context.Context, id string) (*model.AccountConfig, error) {
	a, err := p.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, nil
}

// RemoveAccount はアカウントを削除する。
func (p *Pool) RemoveAccount(ctx context.Context, id string) error {
	deleted, err := p.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	p.logger.Info("technical account removed", slog.String("account_id", id))
	return nil
}

// ResetAccount はstatusをOKに戻し、連続失敗数とメッセージをクリアする。
func (p *Pool) ResetAccount(ctx context.Context, id string) error {
	ok, err := p.repo.Reset(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	p.logger.Info("technical account reset", slog.String("account_id", id))
	return nil
}

// SetStatus はオペレーター操作などでstatusを直接変更する。
func (p *Pool) SetStatus(ctx context.Context, id string, status model.AccountStatus, message string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAccount, status)
	}
	ok, err := p.repo.UpdateStatus(ctx, id, status, message)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	p.logger.Info("technical account status changed",
		slog.String("account_id", id),
		slog.String("status", string(status)),
	)
	return nil
}

// Summary はstatusごとのアカウント数を返す。
func (p *Pool) Summary(ctx context.Context, site string) (map[model.AccountStatus]int, error) {
	return p.repo.CountByStatus(ctx, site)
}

// SelectAccount はサイトで次に使うアカウントを選ぶ。
func (p *Pool) SelectAccount(ctx context.Context, site string) (*model.AccountConfig, error) {
	accounts, err := p.repo.ListBySite(ctx, site)
	if err != nil {
		return nil, err
	}
	return Select(accounts, site)
}

// RecordSuccess は認証成功を記録する。
func (p *Pool) RecordSuccess(ctx context.Context, id string) error {
	return p.repo.RecordSuccess(ctx, id, p.now())
}

// RecordFailure は認証失敗を記録する。
func (p *Pool) RecordFailure(ctx context.Context, id string, status model.AccountStatus, message string) error {
	return p.repo.RecordFailure(ctx, id, status, message, p.now())
}

// Credentials はアカウントの認証情報を復号する。
func (p *Pool) Credentials(a *model.AccountConfig) (DecryptedCredentials, error) {
	password, err := p.vault.Decrypt(a.Credentials.EncryptedPassword)
	if err != nil {
		return DecryptedCredentials{}, err
	}
	secret, err := p.vault.Decrypt(a.Credentials.EncryptedTOTPSecret)
	if err != nil {
		return DecryptedCredentials{}, err
	}
	return DecryptedCredentials{
		Username:   a.Credentials.Username,
		Password:   password,
		TOTPSecret: secret,
	}, nil
}

// Select はアカウント一覧からサイトで使うアカウントを選ぶ。
// BLOCKEDとDISABLEDを除外し、priority降順、連続失敗数昇順で先頭を返す。
// 同順位は入力順を維持する。
func Select(accounts []*model.AccountConfig, site string) (*model.AccountConfig, error) {
	candidates := make([]*model.AccountConfig, 0, len(accounts))
	for _, a := range accounts {
		if a.Site == site && a.Status.Selectable() {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, &model.NoAccountError{Site: site}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ConsecutiveFailures < candidates[j].ConsecutiveFailures
	})
	return candidates[0], nil
}
