// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はログインページなど外部サイトから読み取ったテキストを
// ログやステータスメッセージに記録できる形に無害化する。
// bluemondayのStrictPolicyですべてのタグを除去したうえで、空白を正規化し長さを制限する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTextLength はサニタイズ後テキストの既定の最大文字数。
const DefaultMaxTextLength = 200

// TextSanitizerService はページ由来テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize はタグを除去し、空白を1つにまとめ、最大文字数で切り詰めたテキストを返す。
	// 空文字列の入力には空文字列を返す。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
type textSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// maxLengthが0以下の場合はDefaultMaxTextLengthを使う。
func NewTextSanitizer(maxLength int) *textSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}
	return &textSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize はページ由来のテキストを無害化する。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはエスケープ済みのテキストを返すため、記録用に元の文字へ戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")
	text = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)

	if utf8.RuneCountInString(text) > s.maxLength {
		runes := []rune(text)
		text = string(runes[:s.maxLength]) + "…"
	}
	return text
}
