package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/loginkeeper/internal/browser"
	"github.com/hitoshi/loginkeeper/internal/config"
	"github.com/hitoshi/loginkeeper/internal/database"
	"github.com/hitoshi/loginkeeper/internal/metrics"
	"github.com/hitoshi/loginkeeper/internal/orchestrator"
	"github.com/hitoshi/loginkeeper/internal/pool"
	"github.com/hitoshi/loginkeeper/internal/provider"
	"github.com/hitoshi/loginkeeper/internal/repository"
	"github.com/hitoshi/loginkeeper/internal/security"
	"github.com/hitoshi/loginkeeper/internal/site"
	"github.com/hitoshi/loginkeeper/internal/totp"
	"github.com/hitoshi/loginkeeper/internal/usersession"
	"github.com/hitoshi/loginkeeper/internal/vault"
)

// components は起動モードに共通する依存関係。
type components struct {
	db           *sql.DB
	registry     *prometheus.Registry
	collector    *metrics.Collector
	sites        *site.Registry
	flows        *site.FlowRegistry
	vault        *vault.Vault
	engine       *browser.PlaywrightEngine
	pool         *pool.Pool
	orchestrator *orchestrator.Orchestrator
	store        *usersession.Store
	cascade      *provider.Cascade
}

// buildComponents はDB接続を開き、全依存関係をワイヤリングする。
// ブラウザは最初に必要になるまで起動しない。
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	// 1. サイト設定
	sites, err := site.LoadRegistry(cfg.SitesConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load site registry: %w", err)
	}
	flows := site.NewFlowRegistry()
	if err := site.RegisterFormFlows(sites, flows, security.NewTextSanitizer(0)); err != nil {
		return nil, fmt.Errorf("failed to register auth flows: %w", err)
	}

	// 2. 暗号化
	salt, err := vault.LoadOrCreateSalt(cfg.VaultSaltFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load vault salt: %w", err)
	}
	v := vault.New(cfg.EncryptionKey, salt)
	if err := v.CheckKey(); err != nil {
		// 読み取り専用の操作は続行できるため起動は止めない
		logger.Warn("encryption key is not usable; writes will be refused",
			slog.String("error", err.Error()),
		)
	}

	// 3. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL,
		database.DefaultPoolOptions(cfg.DBMaxOpenConns), cfg.DBConnectTimeout)
	if err != nil {
		return nil, err
	}
	logger.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("max_open_conns", db.Stats().MaxOpenConnections),
	)

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. ブラウザ
	tracker := browser.NewTracker(collector.SetOpenContexts)
	engine := browser.NewPlaywrightEngine(browser.PlaywrightConfig{
		Headless:       cfg.BrowserHeadless,
		StepTimeout:    float64(cfg.AuthStepTimeout.Milliseconds()),
		SkipInstall:    cfg.BrowserSkipInstall,
		BrowserChannel: cfg.BrowserChannel,
	}, tracker, logger)

	// 6. 技術アカウント
	accountPool := pool.NewPool(repository.NewPostgresAccountRepo(db), v, sites, logger)
	orch := orchestrator.New(orchestrator.Dependencies{
		Accounts: accountPool,
		Sites:    sites,
		Flows:    flows,
		Engine:   engine,
		Codes:    totp.NewEngine(),
		Metrics:  collector,
		Logger:   logger,
	}, orchestrator.Config{
		ProfileBaseDir:     cfg.ProfileBaseDir,
		Launch:             browser.LaunchOptions{Headless: cfg.BrowserHeadless},
		MaxAttempts:        cfg.AuthMaxAttempts,
		RetryPause:         cfg.AuthRetryPause,
		StepTimeout:        cfg.AuthStepTimeout,
		LoginRatePerMinute: cfg.LoginRatePerMinute,
		BreakerThreshold:   cfg.CircuitFailureThreshold,
		BreakerCooldown:    cfg.CircuitCooldown,
	})

	// 7. ユーザーセッション
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store := usersession.NewStore(
		repository.NewPostgresUserSessionRepo(db),
		v, engine, sites, notifier, collector, logger,
		usersession.Config{
			MaxAge:         cfg.UserSessionMaxAge,
			NotifyCooldown: cfg.NotifyCooldown,
		},
	)

	// 8. プロバイダカスケード
	cascade := provider.NewCascade(sites, collector, logger,
		provider.NewUserSessionProvider(store, logger),
		provider.RemoteBrowserProvider{},
		provider.NewTechnicalPoolProvider(orch, accountPool, logger),
	)

	return &components{
		db:           db,
		registry:     registry,
		collector:    collector,
		sites:        sites,
		flows:        flows,
		vault:        v,
		engine:       engine,
		pool:         accountPool,
		orchestrator: orch,
		store:        store,
		cascade:      cascade,
	}, nil
}

// newNotifier はWebhook URLが設定されていればWebhookNotifierを、なければLogNotifierを返す。
func newNotifier(cfg *config.Config, logger *slog.Logger) (usersession.Notifier, error) {
	if cfg.NotifyWebhookURL == "" {
		return usersession.NewLogNotifier(logger), nil
	}
	guard := security.NewSSRFGuard()
	if err := guard.ValidateURL(cfg.NotifyWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
	}
	return usersession.NewWebhookNotifier(
		cfg.NotifyWebhookURL,
		guard.NewSafeClient(cfg.NotifyWebhookTimeout),
		logger,
	), nil
}

// Close は永続コンテキスト、共有ブラウザ、DB接続の順に解放する。
func (c *components) Close() {
	c.orchestrator.Close()
	if err := c.engine.Close(); err != nil {
		slog.Error("failed to close browser engine", slog.String("error", err.Error()))
	}
	if err := c.db.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}
}
