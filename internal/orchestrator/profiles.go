package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/loginkeeper/internal/browser"
)

// profileManager はアカウントごとの永続プロファイルを参照カウント付きで共有する。
// 1つのプロファイルディレクトリに対して起動中の永続コンテキストは常に1つ以下。
type profileManager struct {
	engine  browser.Engine
	baseDir string
	opts    browser.LaunchOptions
	logger  *slog.Logger

	mu       sync.Mutex
	profiles map[string]*profile
}

type profile struct {
	ctx  browser.Context
	refs int
}

func newProfileManager(engine browser.Engine, baseDir string, opts browser.LaunchOptions, logger *slog.Logger) *profileManager {
	return &profileManager{
		engine:   engine,
		baseDir:  baseDir,
		opts:     opts,
		logger:   logger,
		profiles: make(map[string]*profile),
	}
}

// dir はアカウントのプロファイルディレクトリを返す。
func (m *profileManager) dir(site, accountID string) string {
	return filepath.Join(m.baseDir, site, accountID)
}

// acquire はプロファイルの永続コンテキストを返す。未起動なら起動する。
// 戻り値のreleaseで参照を返却し、参照が0になるとコンテキストを閉じる。
func (m *profileManager) acquire(ctx context.Context, dir string) (browser.Context, func(), error) {
	m.mu.Lock()
	if p, ok := m.profiles[dir]; ok {
		p.refs++
		m.mu.Unlock()
		return p.ctx, m.releaser(dir, p), nil
	}
	m.mu.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create profile dir: %w", err)
	}
	bc, err := m.engine.LaunchPersistent(ctx, dir, m.opts)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	if p, ok := m.profiles[dir]; ok {
		// 同じディレクトリを並行して起動した場合は先に登録された方を使う
		p.refs++
		m.mu.Unlock()
		_ = bc.Close()
		return p.ctx, m.releaser(dir, p), nil
	}
	p := &profile{ctx: bc, refs: 1}
	m.profiles[dir] = p
	m.mu.Unlock()

	m.logger.Debug("persistent profile opened", slog.String("profile_dir", dir))
	return bc, m.releaser(dir, p), nil
}

func (m *profileManager) releaser(dir string, p *profile) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(dir, p) })
	}
}

func (m *profileManager) release(dir string, p *profile) {
	m.mu.Lock()
	p.refs--
	last := p.refs == 0
	if last && m.profiles[dir] == p {
		delete(m.profiles, dir)
	}
	m.mu.Unlock()

	if !last {
		return
	}
	if err := p.ctx.Close(); err != nil {
		m.logger.Warn("failed to close persistent profile",
			slog.String("profile_dir", dir),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("persistent profile closed", slog.String("profile_dir", dir))
}

// open は起動中のプロファイル数を返す。
func (m *profileManager) open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.profiles)
}

// closeAll は参照の有無にかかわらずすべてのプロファイルを閉じる。シャットダウン用。
func (m *profileManager) closeAll() {
	m.mu.Lock()
	profiles := m.profiles
	m.profiles = make(map[string]*profile)
	m.mu.Unlock()

	for dir, p := range profiles {
		if err := p.ctx.Close(); err != nil {
			m.logger.Warn("failed to close persistent profile",
				slog.String("profile_dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
}
