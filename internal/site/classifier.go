package site

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// 設定で上書きできない既定の目印。
var (
	defaultChallengeElements = []string{
		`iframe[src*="captcha"]`,
		`iframe[src*="challenges.cloudflare.com"]`,
		".g-recaptcha",
		".h-captcha",
		"#challenge-form",
	}
	defaultMFAElements = []string{
		`input[autocomplete="one-time-code"]`,
	}
	defaultLoginElements = []string{
		`input[type="password"]`,
	}
)

// skipTextTags は可視テキストに含めない要素。
var skipTextTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

// selectorCache はコンパイル済みセレクタ。コンパイルできなかったものはnilを保持する。
var selectorCache sync.Map

// compileSelector はセレクタをコンパイルして返す。不正なセレクタはnilを返す。
func compileSelector(selector string) cascadia.Selector {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil
	}
	if cached, ok := selectorCache.Load(selector); ok {
		return cached.(cascadia.Selector)
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		sel = nil
	}
	selectorCache.Store(selector, sel)
	return sel
}

// document は判定に必要な範囲でページを要約したもの。
type document struct {
	url  string
	text string
	dom  *goquery.Document
}

// parseDocument はHTMLを解析し、可視テキストを取り出す。
func parseDocument(pageURL, body string) *document {
	doc := &document{url: strings.ToLower(pageURL)}
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return doc
	}
	doc.dom = goquery.NewDocumentFromNode(root)

	var text strings.Builder
	collectText(root, &text)
	doc.text = strings.ToLower(strings.Join(strings.Fields(text.String()), " "))
	return doc
}

// collectText はテキストノードを空白区切りで連結する。要素をまたぐ語がつながらないようにする。
func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && skipTextTags[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// matches はMarkerSetのいずれかの目印に一致するかを返す。
func (d *document) matches(set MarkerSet, extraElements ...string) bool {
	for _, t := range set.Texts {
		if t != "" && strings.Contains(d.text, strings.ToLower(t)) {
			return true
		}
	}
	for _, u := range set.URLContains {
		if u != "" && strings.Contains(d.url, strings.ToLower(u)) {
			return true
		}
	}
	for _, sel := range set.Elements {
		if d.hasElement(sel) {
			return true
		}
	}
	for _, sel := range extraElements {
		if d.hasElement(sel) {
			return true
		}
	}
	return false
}

func (d *document) hasElement(selector string) bool {
	if d.dom == nil {
		return false
	}
	sel := compileSelector(selector)
	if sel == nil {
		return false
	}
	return d.dom.FindMatcher(sel).Length() > 0
}

// Classify はページのURLとHTMLからページ状態を判定する。
// 判定順はアカウント停止、チャレンジ、MFA、ログインフォーム、ログイン済み、通常コンテンツ。
func Classify(s *Site, pageURL, body string) PageState {
	doc := parseDocument(pageURL, body)
	m := s.Markers

	switch {
	case !m.Blocked.Empty() && doc.matches(m.Blocked):
		return StateAccountBlocked
	case doc.matches(m.Challenge, defaultChallengeElements...):
		return StateChallenge
	case doc.matches(m.MFA, withSelector(defaultMFAElements, s.Selectors.OTP)...):
		return StateMFARequired
	case doc.matches(m.LoginPage, withSelector(defaultLoginElements, s.Selectors.Password)...):
		return StateLoginPage
	case !m.LoggedIn.Empty() && doc.matches(m.LoggedIn):
		return StateLoggedIn
	case !m.Content.Empty() && doc.matches(m.Content):
		return StateContentPage
	default:
		return StateUnknown
	}
}

// withSelector は既定の目印に操作用セレクタを加える。
func withSelector(defaults []string, selector string) []string {
	out := make([]string, 0, len(defaults)+1)
	out = append(out, defaults...)
	if selector != "" {
		out = append(out, selector)
	}
	return out
}

// ValidateSelector はセレクタがCSSセレクタとして解釈できるかを検証する。
func ValidateSelector(selector string) error {
	_, err := cascadia.Compile(selector)
	return err
}
