// Package browser はブラウザ自動化エンジンへのアダプタを提供する。
//
// オーケストレーターとユーザーセッションストアはこのパッケージのインターフェースだけに依存し、
// 実装はplaywright-goで提供する。テストではフェイク実装に差し替える。
package browser

import (
	"context"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// DefaultStepTimeout はナビゲーションやフォーム送信など、ネットワークを伴う1操作の既定タイムアウト。
const DefaultStepTimeout = 30 * time.Second

// LaunchOptions は永続プロファイル起動時のオプション。
type LaunchOptions struct {
	Headless  bool
	UserAgent string
	Locale    string
}

// Engine はブラウザエンジンの抽象。
type Engine interface {
	// LaunchPersistent はprofileDirをユーザーデータディレクトリとする永続コンテキストを起動する。
	LaunchPersistent(ctx context.Context, profileDir string, opts LaunchOptions) (Context, error)
	// NewContext は共有ブラウザプロセス上に、スナップショットを読み込んだ新しいコンテキストを開く。
	NewContext(ctx context.Context, snapshot *model.SessionSnapshot) (Context, error)
	// Close は共有ブラウザプロセスを含むすべてのリソースを解放する。
	Close() error
}

// Context はCookieとストレージを共有するブラウザコンテキスト。
type Context interface {
	NewPage() (Page, error)
	// Snapshot は現在のCookieとlocalStorageをスナップショットとして取り出す。
	Snapshot() (*model.SessionSnapshot, error)
	Close() error
}

// Page はコンテキスト内の1タブ。
// ctxのデッドラインはエンジン側のタイムアウトに変換される。
type Page interface {
	Goto(ctx context.Context, url string) error
	URL() string
	Content(ctx context.Context) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	TextContent(ctx context.Context, selector string) (string, error)
	WaitForLoad(ctx context.Context) error
	Close() error
}

// stepTimeout はctxのデッドラインとfallbackのうち短い方をミリ秒で返す。
func stepTimeout(ctx context.Context, fallback time.Duration) float64 {
	timeout := fallback
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return float64(timeout.Milliseconds())
}
