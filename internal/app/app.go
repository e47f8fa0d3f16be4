package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/loginkeeper/internal/config"
	"github.com/hitoshi/loginkeeper/internal/database"
	"github.com/hitoshi/loginkeeper/internal/handler"
	"github.com/hitoshi/loginkeeper/internal/logger"
	"github.com/hitoshi/loginkeeper/internal/middleware"
	"github.com/hitoshi/loginkeeper/internal/worker/cleanup"
	"github.com/hitoshi/loginkeeper/internal/worker/keepalive"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでログを再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。運用コマンドの結果はwに、ログは標準エラー出力に書く。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	logOut := w
	if cmd.isCLI() {
		logOut = os.Stderr
	}
	cfg, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSites:
		return runSites(w, cfg.SitesConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer comps.Close()

	var rest []string
	if len(args) > 0 {
		rest = args[1:]
	}

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, comps)
	case CommandAccounts:
		c := &cli{out: w, getenv: os.Getenv}
		return c.runAccounts(ctx, comps.pool, comps.orchestrator, rest)
	case CommandResolve:
		c := &cli{out: w, getenv: os.Getenv}
		return c.runResolve(ctx, comps.cascade, rest)
	default:
		return runServe(ctx, cfg, comps)
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされる（SIGINTまたはSIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, comps *components) error {
	rateLimiter := middleware.NewRateLimiter(middleware.UploadRateLimiterConfig(cfg.RateLimitUploads))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		HealthChecker:  comps.db,
		Gatherer:       comps.registry,
		RateLimiter:    rateLimiter,
		SessionService: comps.store,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 技術アカウントのキープアライブと期限切れユーザーセッションのクリーンアップを実行する。
func runWorker(ctx context.Context, cfg *config.Config, comps *components) error {
	scheduler := keepalive.NewScheduler(
		comps.pool, comps.orchestrator, slog.Default(), cfg.KeepaliveMaxConcurrent, 0,
	)
	cleanupJob := cleanup.NewCleanupJob(comps.db, slog.Default(), cfg.SessionRetentionDays)

	slog.Info("worker starting",
		slog.Duration("keepalive_interval", cfg.KeepaliveInterval),
		slog.Int("max_concurrent", cfg.KeepaliveMaxConcurrent),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// クリーンアップジョブをバックグラウンドで起動
	done := make(chan struct{})
	go func() {
		defer close(done)
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	// キープアライブをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.KeepaliveInterval)
	<-done

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if !status.Applied {
		slog.Info("database schema already up to date", slog.Uint64("version", uint64(status.Version)))
		return nil
	}
	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(status.Version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
