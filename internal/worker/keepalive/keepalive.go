// Package keepalive は技術アカウントのセッションを定期的に検証・更新するジョブを提供する。
// オーケストレーター経由でコンテキストを取得して返却することで、
// 期限切れのセッションは更新され、失敗したアカウントは早めに状態へ反映される。
package keepalive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/orchestrator"
)

// AccountLister はアカウント一覧の取得元。pool.Poolが満たす。
type AccountLister interface {
	ListAccounts(ctx context.Context, site string) ([]*model.AccountConfig, error)
}

// ContextAcquirer は認証済みコンテキストの取得元。orchestrator.Orchestratorが満たす。
type ContextAcquirer interface {
	GetContext(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error)
}

// Result は1サイクルの集計。
type Result struct {
	Checked int
	Failed  int
	Skipped int
}

// Scheduler はキープアライブのスケジューリングと並列制御を行う。
// ティッカーで対象アカウントを取得し、semaphoreパターンで同時に開くブラウザ数を制限する。
type Scheduler struct {
	accounts       AccountLister
	acquirer       ContextAcquirer
	logger         *slog.Logger
	maxConcurrency int
	timeout        time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値2を使用する。
// timeoutは1アカウントあたりの上限時間で、0以下の場合は5分とする。
func NewScheduler(
	accounts AccountLister,
	acquirer ContextAcquirer,
	logger *slog.Logger,
	maxConcurrency int,
	timeout time.Duration,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		accounts:       accounts,
		acquirer:       acquirer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		timeout:        timeout,
	}
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("keepalive scheduler started",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("keepalive cycle failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keepalive scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("keepalive cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// eligible はキープアライブ対象かを返す。
// 手動対応待ちやサイト変更検知済みのアカウントはログインを試みても失敗するため対象外とする。
func eligible(a *model.AccountConfig) bool {
	return a.Status == model.AccountStatusOK || a.Status == model.AccountStatusDegraded
}

// RunOnce は全サイトの対象アカウントについて1回ずつコンテキストを取得して返却する。
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()

	accounts, err := s.accounts.ListAccounts(ctx, "")
	if err != nil {
		return Result{}, err
	}

	var result Result
	targets := make([]*model.AccountConfig, 0, len(accounts))
	for _, a := range accounts {
		if eligible(a) {
			targets = append(targets, a)
		} else {
			result.Skipped++
		}
	}

	if len(targets) == 0 {
		s.logger.Info("no accounts due for keepalive", slog.Int("skipped", result.Skipped))
		return result, nil
	}

	var failed atomic.Int32
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

loop:
	for _, a := range targets {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		result.Checked++
		wg.Add(1)

		go func(a *model.AccountConfig) {
			defer wg.Done()
			defer func() { <-sem }()

			if !s.touch(ctx, a) {
				failed.Add(1)
			}
		}(a)
	}

	wg.Wait()
	result.Failed = int(failed.Load())

	s.logger.Info("keepalive cycle completed",
		slog.Int("checked", result.Checked),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, ctx.Err()
}

// touch はアカウントのコンテキストを取得してすぐに返却する。成功した場合はtrueを返す。
func (s *Scheduler) touch(ctx context.Context, a *model.AccountConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	authCtx, err := s.acquirer.GetContext(ctx, a.Site, a.ID)
	if err != nil {
		var circuitErr *model.CircuitOpenError
		level := slog.LevelError
		if errors.As(err, &circuitErr) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "keepalive failed",
			slog.String("site", a.Site),
			slog.String("account_id", a.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	authCtx.Release()

	s.logger.Debug("keepalive succeeded",
		slog.String("site", a.Site),
		slog.String("account_id", a.ID),
	)
	return true
}
