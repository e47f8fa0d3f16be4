package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightConfig はPlaywrightEngineの設定。
type PlaywrightConfig struct {
	Headless       bool
	StepTimeout    float64 // ミリ秒。0の場合はDefaultStepTimeout
	SkipInstall    bool    // ドライバとブラウザのインストールを省略する（コンテナイメージに同梱済みの場合）
	BrowserChannel string
}

// PlaywrightEngine はplaywright-goによるEngine実装。
// Playwrightドライバと共有ブラウザプロセスは最初に必要になった時点で1回だけ起動する。
type PlaywrightEngine struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	config  PlaywrightConfig
	tracker *Tracker
	logger  *slog.Logger
}

// NewPlaywrightEngine はPlaywrightEngineを生成する。ブラウザはまだ起動しない。
func NewPlaywrightEngine(config PlaywrightConfig, tracker *Tracker, logger *slog.Logger) *PlaywrightEngine {
	if config.StepTimeout <= 0 {
		config.StepTimeout = float64(DefaultStepTimeout.Milliseconds())
	}
	if tracker == nil {
		tracker = NewTracker(nil)
	}
	return &PlaywrightEngine{
		config:  config,
		tracker: tracker,
		logger:  logger,
	}
}

// ensureDriver はPlaywrightドライバを起動する。呼び出し側でmuを保持していること。
func (e *PlaywrightEngine) ensureDriver() error {
	if e.pw != nil {
		return nil
	}

	// ドライバの出力はJSONログに混ざらないよう破棄する
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if !e.config.SkipInstall {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	e.pw = pw
	return nil
}

// sharedBrowser は共有ブラウザプロセスを返す。未起動またはクラッシュ済みなら起動し直す。
func (e *PlaywrightEngine) sharedBrowser() (playwright.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureDriver(); err != nil {
		return nil, err
	}
	if e.browser != nil && e.browser.IsConnected() {
		return e.browser, nil
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.config.Headless),
	}
	if e.config.BrowserChannel != "" {
		launchOpts.Channel = playwright.String(e.config.BrowserChannel)
	}
	b, err := e.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	e.browser = b
	e.logger.Info("shared browser launched", slog.Bool("headless", e.config.Headless))
	return b, nil
}

// LaunchPersistent はprofileDirをユーザーデータディレクトリとする永続コンテキストを起動する。
func (e *PlaywrightEngine) LaunchPersistent(ctx context.Context, profileDir string, opts LaunchOptions) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	err := e.ensureDriver()
	pw := e.pw
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	if opts.UserAgent != "" {
		launchOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Locale != "" {
		launchOpts.Locale = playwright.String(opts.Locale)
	}

	bc, err := pw.Chromium.LaunchPersistentContext(profileDir, launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch persistent context: %w", err)
	}
	return e.wrapContext(bc, "persistent:"+profileDir), nil
}

// NewContext は共有ブラウザ上にスナップショットを読み込んだコンテキストを開く。
func (e *PlaywrightEngine) NewContext(ctx context.Context, snapshot *model.SessionSnapshot) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := e.sharedBrowser()
	if err != nil {
		return nil, err
	}

	contextOpts := playwright.BrowserNewContextOptions{}
	if snapshot != nil {
		contextOpts.StorageState = toStorageState(snapshot)
	}

	bc, err := b.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	return e.wrapContext(bc, "snapshot"), nil
}

// Close は共有ブラウザとドライバを停止する。
func (e *PlaywrightEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 閉じ忘れたコンテキストは古い順に1件ずつ記録する
	for _, info := range e.tracker.Leaks(0) {
		e.logger.Warn("closing browser engine with open context",
			slog.Uint64("context_id", info.ID),
			slog.String("label", info.Label),
			slog.Time("opened_at", info.OpenedAt),
		)
	}

	if e.browser != nil {
		_ = e.browser.Close() // 停止処理を続行するためエラーは無視する
		e.browser = nil
	}
	if e.pw != nil {
		if err := e.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		e.pw = nil
	}
	return nil
}

func (e *PlaywrightEngine) wrapContext(bc playwright.BrowserContext, label string) *pwContext {
	return &pwContext{
		bc:          bc,
		tracker:     e.tracker,
		trackID:     e.tracker.Opened(label),
		stepTimeout: e.config.StepTimeout,
	}
}

// pwContext はplaywright.BrowserContextのラッパー。
type pwContext struct {
	bc          playwright.BrowserContext
	tracker     *Tracker
	trackID     uint64
	stepTimeout float64
	closeOnce   sync.Once
	closeErr    error
}

func (c *pwContext) NewPage() (Page, error) {
	p, err := c.bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	p.SetDefaultTimeout(c.stepTimeout)
	return &pwPage{page: p, fallback: time.Duration(c.stepTimeout) * time.Millisecond}, nil
}

func (c *pwContext) Snapshot() (*model.SessionSnapshot, error) {
	state, err := c.bc.StorageState()
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}
	return fromStorageState(state), nil
}

func (c *pwContext) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.bc.Close()
		c.tracker.Closed(c.trackID)
	})
	return c.closeErr
}

// pwPage はplaywright.Pageのラッパー。
type pwPage struct {
	page     playwright.Page
	fallback time.Duration
}

func (p *pwPage) Goto(ctx context.Context, url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(stepTimeout(ctx, p.fallback)),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return html, nil
}

func (p *pwPage) Fill(ctx context.Context, selector, value string) error {
	err := p.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(stepTimeout(ctx, p.fallback)),
	})
	if err != nil {
		// 値は秘密情報の可能性があるためエラーに含めない
		return fmt.Errorf("fill %s failed: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Click(ctx context.Context, selector string) error {
	err := p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(stepTimeout(ctx, p.fallback)),
	})
	if err != nil {
		return fmt.Errorf("click %s failed: %w", selector, err)
	}
	return nil
}

func (p *pwPage) TextContent(ctx context.Context, selector string) (string, error) {
	text, err := p.page.Locator(selector).First().TextContent(playwright.LocatorTextContentOptions{
		Timeout: playwright.Float(stepTimeout(ctx, p.fallback)),
	})
	if err != nil {
		return "", fmt.Errorf("text content %s failed: %w", selector, err)
	}
	return text, nil
}

func (p *pwPage) WaitForLoad(ctx context.Context) error {
	err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: playwright.Float(stepTimeout(ctx, p.fallback)),
	})
	if err != nil {
		return fmt.Errorf("wait for load failed: %w", err)
	}
	return nil
}

func (p *pwPage) Close() error {
	return p.page.Close()
}

// compile-time interface checks
var (
	_ Engine  = (*PlaywrightEngine)(nil)
	_ Context = (*pwContext)(nil)
	_ Page    = (*pwPage)(nil)
)
