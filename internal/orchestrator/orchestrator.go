// Package orchestrator は技術アカウントによる認証済みブラウザコンテキストの取得を提供する。
//
// GetContextはサーキットブレーカーの確認、アカウント選択、アカウント単位の排他、
// 永続プロファイルの起動、セッション検証、必要に応じた再ログインを順に行う。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/loginkeeper/internal/browser"
	"github.com/hitoshi/loginkeeper/internal/metrics"
	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/pool"
	"github.com/hitoshi/loginkeeper/internal/site"
)

// 再ログインの既定値
const (
	DefaultMaxAttempts        = 3
	DefaultRetryPause         = 5 * time.Second
	DefaultTOTPMinValidity    = 5 * time.Second
	DefaultLoginRatePerMinute = 6
)

// AccountSource は技術アカウントの参照と結果記録のインターフェース。pool.Poolが実装する。
type AccountSource interface {
	SelectAccount(ctx context.Context, site string) (*model.AccountConfig, error)
	GetAccount(ctx context.Context, id string) (*model.AccountConfig, error)
	Credentials(a *model.AccountConfig) (pool.DecryptedCredentials, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, status model.AccountStatus, message string) error
}

// SiteLookup はサイト設定の参照インターフェース。
type SiteLookup interface {
	Get(id string) (*site.Site, bool)
}

// FlowLookup はサイトのAuthFlowの参照インターフェース。site.FlowRegistryが実装する。
type FlowLookup interface {
	Get(siteID string) (site.AuthFlow, bool)
}

// CodeGenerator はTOTPコードの生成インターフェース。totp.Engineが実装する。
type CodeGenerator interface {
	GenerateFreshCode(ctx context.Context, secret string, minValidity time.Duration) (string, error)
}

// Config はOrchestratorの設定。
type Config struct {
	ProfileBaseDir     string
	Launch             browser.LaunchOptions
	MaxAttempts        int
	RetryPause         time.Duration
	StepTimeout        time.Duration
	TOTPMinValidity    time.Duration
	LoginRatePerMinute int
	BreakerThreshold   int
	BreakerCooldown    time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProfileBaseDir == "" {
		c.ProfileBaseDir = "data/profiles"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryPause < 0 {
		c.RetryPause = 0
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = browser.DefaultStepTimeout
	}
	if c.TOTPMinValidity <= 0 {
		c.TOTPMinValidity = DefaultTOTPMinValidity
	}
	if c.LoginRatePerMinute <= 0 {
		c.LoginRatePerMinute = DefaultLoginRatePerMinute
	}
}

// Dependencies はOrchestratorが利用するコンポーネント。
type Dependencies struct {
	Accounts AccountSource
	Sites    SiteLookup
	Flows    FlowLookup
	Engine   browser.Engine
	Codes    CodeGenerator
	Metrics  metrics.MetricsCollector
	Logger   *slog.Logger
}

// Option はOrchestrator生成時のオプション。
type Option func(*Orchestrator)

// WithClock は時刻の取得元を差し替える。ブレーカーにも適用される。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep は再試行間の待機処理を差し替える。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator は技術アカウントのセッションを管理する。
type Orchestrator struct {
	accounts AccountSource
	sites    SiteLookup
	flows    FlowLookup
	codes    CodeGenerator
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   Config

	breaker  *Breaker
	locks    *KeyedMutex
	profiles *profileManager

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// failedRenewals は(サイト/アカウント)ごとの更新失敗回数。ロック待ちの間の失敗検出に使う。
	failedMu       sync.Mutex
	failedRenewals map[string]uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New はOrchestratorを生成する。
func New(deps Dependencies, config Config, opts ...Option) *Orchestrator {
	config.applyDefaults()
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	o := &Orchestrator{
		accounts: deps.Accounts,
		sites:    deps.Sites,
		flows:    deps.Flows,
		codes:    deps.Codes,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		config:   config,
		locks:    NewKeyedMutex(),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,

		failedRenewals: make(map[string]uint64),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.breaker = NewBreaker(config.BreakerThreshold, config.BreakerCooldown, o.now)
	o.profiles = newProfileManager(deps.Engine, config.ProfileBaseDir, config.Launch, deps.Logger)
	return o
}

// AuthenticatedContext は認証済みのブラウザコンテキストと呼び出し元専用のページ。
// 使い終わったら必ずReleaseを呼ぶこと。
type AuthenticatedContext struct {
	Account *model.AccountConfig
	State   model.SessionState
	Context browser.Context
	Page    browser.Page

	o       *Orchestrator
	release func()
	once    sync.Once
}

// Release はページを閉じてプロファイルの参照を返却する。複数回呼んでもよい。
func (a *AuthenticatedContext) Release() {
	a.once.Do(func() {
		if a.Page != nil {
			if err := a.Page.Close(); err != nil && a.o != nil {
				a.o.logger.Debug("failed to close page", slog.String("error", err.Error()))
			}
		}
		if a.release != nil {
			a.release()
		}
	})
}

// Invalidate はスクレイピング中にセッション切れを検出した場合に呼ぶ。
// アカウントをDEGRADEDとして記録してからReleaseする。
func (a *AuthenticatedContext) Invalidate(ctx context.Context, reason string) error {
	defer a.Release()

	a.o.logger.Warn("technical session invalidated",
		slog.String("site", a.Account.Site),
		slog.String("account_id", a.Account.ID),
		slog.String("reason", reason),
	)
	if err := a.o.accounts.RecordFailure(ctx, a.Account.ID, model.AccountStatusDegraded, reason); err != nil {
		return fmt.Errorf("failed to record invalidation: %w", err)
	}
	return nil
}

// GetContext はsiteの認証済みコンテキストを返す。
// accountIDが空の場合はプールから選択する。指定した場合は選択を経ずにそのアカウントを使う。
func (o *Orchestrator) GetContext(ctx context.Context, siteID, accountID string) (*AuthenticatedContext, error) {
	s, ok := o.sites.Get(siteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownSite, siteID)
	}
	flow, ok := o.flows.Get(siteID)
	if !ok {
		return nil, fmt.Errorf("no auth flow registered for site %s", siteID)
	}

	probe, err := o.breaker.Allow(siteID)
	if err != nil {
		return nil, err
	}
	// 認証結果を記録するまでプローブ枠を保持し、それ以外の経路では解放する
	settled := false
	defer func() {
		if probe && !settled {
			o.breaker.Abort(siteID)
		}
	}()

	account, unlock, err := o.lockAccount(ctx, siteID, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// ロック待ちの間に先行の更新が失敗してブレーカーが開いていることがある
	if !probe {
		if probe, err = o.breaker.Allow(siteID); err != nil {
			return nil, err
		}
	}

	dir := o.profiles.dir(siteID, account.ID)
	bctx, releaseProfile, err := o.profiles.acquire(ctx, dir)
	if err != nil {
		return nil, err
	}
	page, err := bctx.NewPage()
	if err != nil {
		releaseProfile()
		return nil, err
	}
	fail := func() {
		_ = page.Close()
		releaseProfile()
	}

	state := model.SessionState{
		AccountID:  account.ID,
		Site:       siteID,
		ProfileDir: dir,
		CreatedAt:  o.now(),
	}

	authenticated, err := o.validate(ctx, flow, page)
	if err != nil {
		if ctx.Err() != nil {
			fail()
			return nil, ctx.Err()
		}
		o.logger.Info("session validation failed, renewing",
			slog.String("site", siteID),
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
	}

	if authenticated {
		o.metrics.RecordAuthAttempt(siteID, metrics.OutcomeReused)
	} else {
		if err := o.renew(ctx, s, flow, page, account); err != nil {
			if ctx.Err() == nil {
				settled = true
				o.countRenewalFailure(siteID + "/" + account.ID)
			}
			fail()
			return nil, err
		}
	}

	settled = true
	o.breaker.Success(siteID)
	if err := o.accounts.RecordSuccess(ctx, account.ID); err != nil {
		o.logger.Warn("failed to record account success",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
	}

	state.IsAuthenticated = true
	state.LastValidatedAt = o.now()
	return &AuthenticatedContext{
		Account: account,
		State:   state,
		Context: bctx,
		Page:    page,
		o:       o,
		release: releaseProfile,
	}, nil
}

// BreakerState はサイトのサーキットブレーカーの状態を返す。
func (o *Orchestrator) BreakerState(siteID string) model.CircuitBreakerState {
	return o.breaker.State(siteID)
}

// Close は起動中のすべての永続プロファイルを閉じる。
func (o *Orchestrator) Close() {
	o.profiles.closeAll()
}

func (o *Orchestrator) resolveAccount(ctx context.Context, siteID, accountID string) (*model.AccountConfig, error) {
	if accountID == "" {
		return o.accounts.SelectAccount(ctx, siteID)
	}
	account, err := o.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Site != siteID {
		return nil, fmt.Errorf("%w: account %s belongs to site %s", pool.ErrAccountNotFound, accountID, account.Site)
	}
	if !account.Status.Selectable() {
		return nil, &model.NoAccountError{Site: siteID}
	}
	return account, nil
}

// maxReselect は自動選択したアカウントがロック待ちの間に使えなくなった場合の再選択回数。
const maxReselect = 2

// lockAccount はアカウントを決めてロックを取り、ロック取得後の最新状態を読み直す。
// 待機中に先行の呼び出しが更新に失敗したアカウントでは再ログインしない。
func (o *Orchestrator) lockAccount(ctx context.Context, siteID, accountID string) (*model.AccountConfig, func(), error) {
	for attempt := 0; ; attempt++ {
		account, err := o.resolveAccount(ctx, siteID, accountID)
		if err != nil {
			return nil, nil, err
		}
		key := siteID + "/" + account.ID
		seen := o.renewalFailures(key)
		unlock, err := o.locks.Lock(ctx, key)
		if err != nil {
			return nil, nil, err
		}

		fresh, err := o.accounts.GetAccount(ctx, account.ID)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if fresh.Status.Selectable() {
			if o.renewalFailures(key) != seen {
				// 先行の呼び出しの更新が失敗した直後なので、同じ結果を返す
				unlock()
				return nil, nil, &model.AuthRenewalFailedError{
					Site:                    siteID,
					AccountID:               fresh.ID,
					NeedsManualIntervention: fresh.Status == model.AccountStatusNeedsReauth,
					Err:                     fmt.Errorf("renewal failed while waiting for the account lock: %s", fresh.StatusMessage),
				}
			}
			return fresh, unlock, nil
		}
		unlock()

		o.logger.Info("account became unusable while waiting for its lock",
			slog.String("site", siteID),
			slog.String("account_id", account.ID),
			slog.String("status", string(fresh.Status)),
		)
		if accountID != "" || attempt >= maxReselect {
			return nil, nil, &model.NoAccountError{Site: siteID}
		}
	}
}

func (o *Orchestrator) renewalFailures(key string) uint64 {
	o.failedMu.Lock()
	defer o.failedMu.Unlock()
	return o.failedRenewals[key]
}

func (o *Orchestrator) countRenewalFailure(key string) {
	o.failedMu.Lock()
	defer o.failedMu.Unlock()
	o.failedRenewals[key]++
}

// validate は検証用URLでログイン済みかを確認する。
func (o *Orchestrator) validate(ctx context.Context, flow site.AuthFlow, page browser.Page) (bool, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	defer cancel()
	return flow.ValidateSession(stepCtx, page)
}

// attemptOutcome は1回のログイン試行の結果。
type attemptOutcome int

const (
	outcomeAuthenticated attemptOutcome = iota
	outcomeRetry
	outcomeManual
	outcomeBlocked
)

// renew は最大MaxAttempts回まで再ログインを試みる。
// 失敗時はアカウントの状態とブレーカーを更新し、AuthRenewalFailedErrorを返す。
func (o *Orchestrator) renew(ctx context.Context, s *site.Site, flow site.AuthFlow, page browser.Page, account *model.AccountConfig) error {
	start := o.now()
	logger := o.logger.With(slog.String("site", s.ID), slog.String("account_id", account.ID))

	creds, err := o.accounts.Credentials(account)
	if err != nil {
		// 復号できない場合は再試行しても回復しない
		return o.renewalFailed(ctx, s.ID, account, 0, outcomeManual, err)
	}

	var (
		attempts int
		outcome  attemptOutcome
		lastErr  error
	)
	for attempts < o.config.MaxAttempts {
		if attempts > 0 {
			if err := o.sleep(ctx, o.config.RetryPause); err != nil {
				return err
			}
		}
		if err := o.limiter(s.ID).Wait(ctx); err != nil {
			return err
		}
		attempts++

		outcome, lastErr = o.attempt(ctx, s, flow, page, account, creds)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if outcome == outcomeAuthenticated {
			o.metrics.RecordAuthAttempt(s.ID, metrics.OutcomeSuccess)
			o.metrics.RecordRenewalDuration(s.ID, o.now().Sub(start))
			logger.Info("technical session renewed", slog.Int("attempts", attempts))
			return nil
		}

		logger.Warn("login attempt failed",
			slog.Int("attempt", attempts),
			slog.String("error", errString(lastErr)),
		)
		if outcome != outcomeRetry {
			break
		}
	}

	o.metrics.RecordRenewalDuration(s.ID, o.now().Sub(start))
	return o.renewalFailed(ctx, s.ID, account, attempts, outcome, lastErr)
}

// attempt は1回のログインを行い、必要ならTOTPでMFAを解決する。
func (o *Orchestrator) attempt(ctx context.Context, s *site.Site, flow site.AuthFlow, page browser.Page, account *model.AccountConfig, creds pool.DecryptedCredentials) (attemptOutcome, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	result, err := flow.Login(stepCtx, page, site.Credentials{Username: creds.Username, Password: creds.Password})
	cancel()
	if err != nil {
		return outcomeRetry, fmt.Errorf("login step: %w", err)
	}

	if result.State == site.StateMFARequired {
		if account.MFAKind != model.MFAKindTOTP || creds.TOTPSecret == "" {
			return outcomeManual, o.authError(s.ID, account, result, "mfa of kind "+string(account.MFAKind)+" requires manual intervention", true)
		}
		code, err := o.codes.GenerateFreshCode(ctx, creds.TOTPSecret, o.config.TOTPMinValidity)
		if err != nil {
			return outcomeManual, fmt.Errorf("totp: %w", err)
		}
		stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
		result, err = flow.HandleMFA(stepCtx, page, code)
		cancel()
		if err != nil {
			return outcomeRetry, fmt.Errorf("mfa step: %w", err)
		}
	}

	switch result.State {
	case site.StateLoggedIn:
		return outcomeAuthenticated, nil
	case site.StateChallenge:
		return outcomeManual, o.authError(s.ID, account, result, "challenge page detected", true)
	case site.StateAccountBlocked:
		return outcomeBlocked, o.authError(s.ID, account, result, "account blocked by site", true)
	case site.StateMFARequired:
		return outcomeRetry, o.authError(s.ID, account, result, "one-time code rejected", false)
	case site.StateLoginPage:
		return outcomeRetry, o.authError(s.ID, account, result, "login rejected", false)
	}

	// CONTENT_PAGEやUNKNOWNは検証用URLで確認する
	ok, err := o.validate(ctx, flow, page)
	if err != nil {
		return outcomeRetry, fmt.Errorf("validate after login: %w", err)
	}
	if ok {
		return outcomeAuthenticated, nil
	}
	return outcomeRetry, o.authError(s.ID, account, result, "not logged in after submit", false)
}

// renewalFailed は失敗をアカウントとブレーカーに記録してエラーを組み立てる。
func (o *Orchestrator) renewalFailed(ctx context.Context, siteID string, account *model.AccountConfig, attempts int, outcome attemptOutcome, cause error) error {
	status := model.AccountStatusDegraded
	label := metrics.OutcomeFailure
	switch outcome {
	case outcomeManual:
		status = model.AccountStatusNeedsReauth
		label = metrics.OutcomeManual
	case outcomeBlocked:
		status = model.AccountStatusBlocked
		label = metrics.OutcomeBlocked
	}
	o.metrics.RecordAuthAttempt(siteID, label)

	if err := o.accounts.RecordFailure(ctx, account.ID, status, errString(cause)); err != nil {
		o.logger.Error("failed to record account failure",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
	}
	if o.breaker.Failure(siteID) {
		o.metrics.RecordCircuitOpen(siteID)
		o.logger.Warn("circuit opened", slog.String("site", siteID))
	}

	manual := outcome == outcomeManual || outcome == outcomeBlocked
	o.logger.Error("technical session renewal failed",
		slog.String("site", siteID),
		slog.String("account_id", account.ID),
		slog.Int("attempts", attempts),
		slog.String("account_status", string(status)),
		slog.Bool("needs_manual_intervention", manual),
	)
	return &model.AuthRenewalFailedError{
		Site:                    siteID,
		AccountID:               account.ID,
		Attempts:                attempts,
		NeedsManualIntervention: manual,
		Err:                     cause,
	}
}

func (o *Orchestrator) authError(siteID string, account *model.AccountConfig, result site.StepResult, reason string, manual bool) error {
	msg := reason
	if result.Message != "" {
		msg += ": " + result.Message
	}
	return &model.AuthError{
		Site:                    siteID,
		AccountID:               account.ID,
		State:                   string(result.State),
		Message:                 msg,
		NeedsManualIntervention: manual,
	}
}

// limiter はサイトごとのログイン送信のレート制限を返す。
func (o *Orchestrator) limiter(siteID string) *rate.Limiter {
	o.limiterMu.Lock()
	defer o.limiterMu.Unlock()

	l, ok := o.limiters[siteID]
	if !ok {
		every := time.Minute / time.Duration(o.config.LoginRatePerMinute)
		l = rate.NewLimiter(rate.Every(every), o.config.LoginRatePerMinute)
		o.limiters[siteID] = l
	}
	return l
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsManualIntervention はエラーが人手による対応を必要とするかを返す。
func IsManualIntervention(err error) bool {
	var renewal *model.AuthRenewalFailedError
	if errors.As(err, &renewal) {
		return renewal.NeedsManualIntervention
	}
	var auth *model.AuthError
	if errors.As(err, &auth) {
		return auth.NeedsManualIntervention
	}
	return false
}
