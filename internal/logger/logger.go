// Package logger はJSON構造化ログの初期化を行う。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// RedactedValue は秘匿属性の値を置き換える文字列。
const RedactedValue = "[REDACTED]"

// sensitiveKeys は値をログに出してはならない属性キー。グループ内でも照合する。
var sensitiveKeys = map[string]struct{}{
	"password":       {},
	"totp_secret":    {},
	"totp_code":      {},
	"cookie":         {},
	"cookies":        {},
	"snapshot":       {},
	"storage_state":  {},
	"encryption_key": {},
	"authorization":  {},
}

// redact はsensitiveKeysに一致するキーの値を伏せる。
func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, RedactedValue)
	}
	return a
}

// Setup はInfoレベルのJSONロガーを生成する。
func Setup(w io.Writer) *slog.Logger {
	return SetupWithLevel(w, slog.LevelInfo)
}

// SetupWithLevel はレベルを指定してJSONロガーを生成する。秘匿属性は常に伏せる。
func SetupWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}))
}

// ParseLevel はLOG_LEVELの値をslog.Levelに変換する。不明な値はinfo。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupDefault はロガーを生成してslogのデフォルトに設定する。wがnilならos.Stdout。
func SetupDefault(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := SetupWithLevel(w, level)
	slog.SetDefault(l)
	return l
}
