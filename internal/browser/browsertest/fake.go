// Package browsertest はテスト用のブラウザエンジンのフェイク実装を提供する。
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hitoshi/loginkeeper/internal/browser"
	"github.com/hitoshi/loginkeeper/internal/model"
)

// ErrClosed はクローズ済みのコンテキストやページを操作したことを表す。
var ErrClosed = errors.New("browsertest: closed")

// Engine はbrowser.Engineのフェイク。起動やコンテキスト生成を記録する。
type Engine struct {
	mu sync.Mutex

	// Routes はURLごとに返すHTML。新しいページに引き継がれる。
	Routes map[string]string
	// OnNewPage はページ生成時に呼ばれる。ページの振る舞いを差し替えるのに使う。
	OnNewPage func(p *Page)
	// LaunchErr が設定されているとLaunchPersistentが失敗する。
	LaunchErr error
	// NewContextErr が設定されているとNewContextが失敗する。
	NewContextErr error

	launches []string
	contexts []*Context
	open     int
	closed   bool
}

// NewEngine はフェイクエンジンを生成する。
func NewEngine() *Engine {
	return &Engine{Routes: make(map[string]string)}
}

func (e *Engine) LaunchPersistent(ctx context.Context, profileDir string, _ browser.LaunchOptions) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	e.launches = append(e.launches, profileDir)
	return e.newContextLocked("persistent:"+profileDir, nil), nil
}

func (e *Engine) NewContext(ctx context.Context, snapshot *model.SessionSnapshot) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewContextErr != nil {
		return nil, e.NewContextErr
	}
	return e.newContextLocked("snapshot", snapshot), nil
}

func (e *Engine) newContextLocked(label string, seed *model.SessionSnapshot) *Context {
	c := &Context{engine: e, Label: label, Seed: seed}
	e.contexts = append(e.contexts, c)
	e.open++
	return c
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Launches は永続プロファイルの起動履歴を返す。
func (e *Engine) Launches() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.launches...)
}

// Contexts は生成されたすべてのコンテキストを返す。
func (e *Engine) Contexts() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Context(nil), e.contexts...)
}

// OpenContexts は開いたままのコンテキスト数を返す。
func (e *Engine) OpenContexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Closed はエンジンがクローズされたかを返す。
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) contextClosed() {
	e.mu.Lock()
	e.open--
	e.mu.Unlock()
}

func (e *Engine) newPage() *Page {
	e.mu.Lock()
	routes := make(map[string]string, len(e.Routes))
	for k, v := range e.Routes {
		routes[k] = v
	}
	hook := e.OnNewPage
	e.mu.Unlock()

	p := NewPage(routes)
	if hook != nil {
		hook(p)
	}
	return p
}

// Context はbrowser.Contextのフェイク。
type Context struct {
	mu     sync.Mutex
	engine *Engine

	Label string
	// Seed はNewContextに渡されたスナップショット。
	Seed *model.SessionSnapshot
	// State が設定されているとSnapshotはそれを返す。未設定ならSeedを返す。
	State *model.SessionSnapshot

	pages  []*Page
	closed bool
}

func (c *Context) NewPage() (browser.Page, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	p := c.engine.newPage()
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *Context) Snapshot() (*model.SessionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.State != nil {
		return c.State, nil
	}
	if c.Seed != nil {
		return c.Seed, nil
	}
	return &model.SessionSnapshot{}, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.engine.contextClosed()
	return nil
}

// Closed はコンテキストがクローズされたかを返す。
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pages はこのコンテキストで開かれたページを返す。
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

// Page はbrowser.Pageのフェイク。URLごとに登録されたHTMLを返す。
type Page struct {
	mu sync.Mutex

	url    string
	html   string
	routes map[string]string
	texts  map[string]string
	fills  map[string]string
	clicks []string
	gotos  []string
	closed bool

	// OnClick はクリック時に呼ばれる。送信後の画面遷移を再現するのに使う。
	OnClick func(p *Page, selector string)
	// GotoErr が設定されているとGotoが失敗する。
	GotoErr error
}

// NewPage はフェイクページを生成する。
func NewPage(routes map[string]string) *Page {
	if routes == nil {
		routes = make(map[string]string)
	}
	return &Page{
		routes: routes,
		texts:  make(map[string]string),
		fills:  make(map[string]string),
	}
}

// Show は現在のURLとHTMLを直接設定する。
func (p *Page) Show(url, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.html = html
}

// SetRoute はURLに対応するHTMLを登録する。
func (p *Page) SetRoute(url, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = html
}

// SetText はTextContentが返すテキストを登録する。
func (p *Page) SetText(selector, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts[selector] = text
}

func (p *Page) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.GotoErr != nil {
		return p.GotoErr
	}
	p.gotos = append(p.gotos, url)
	p.url = url
	p.html = p.routes[url]
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	return p.html, nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills[selector] = value
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	hook := p.OnClick
	p.mu.Unlock()

	if hook != nil {
		hook(p, selector)
	}
	return nil
}

func (p *Page) TextContent(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	text, ok := p.texts[selector]
	if !ok {
		return "", fmt.Errorf("browsertest: no element matches %s", selector)
	}
	return text, nil
}

func (p *Page) WaitForLoad(ctx context.Context) error {
	return ctx.Err()
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Fills はFillで入力された値をセレクタごとに返す。
func (p *Page) Fills() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.fills))
	for k, v := range p.fills {
		out[k] = v
	}
	return out
}

// Clicks はクリックされたセレクタを順に返す。
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Gotos は移動したURLを順に返す。
func (p *Page) Gotos() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.gotos...)
}

// Closed はページがクローズされたかを返す。
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// compile-time interface checks
var (
	_ browser.Engine  = (*Engine)(nil)
	_ browser.Context = (*Context)(nil)
	_ browser.Page    = (*Page)(nil)
)
