// Package totp はRFC 6238/4226に基づく時間ベースのワンタイムパスワードを生成・検証する。
// 周期30秒、6桁、HMAC-SHA1固定。計算はpquerna/otpに委ね、シークレットの書式検査と
// 周期境界の待機をこのパッケージで行う。
package totp

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	libtotp "github.com/pquerna/otp/totp"
)

const (
	// Period はコードの有効周期（秒）。
	Period = 30
	// Digits はコードの桁数。
	Digits = 6
)

var (
	hotpOpts = hotp.ValidateOpts{Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
	totpOpts = libtotp.ValidateOpts{Period: Period, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
)

// ErrInvalidSecret はBase32として解釈できないシークレットを表す。
var ErrInvalidSecret = errors.New("invalid totp secret")

// Engine はTOTPコードの生成と検証を行う。
// 時刻と待機処理を差し替えられるようにしてテスト可能にしている。
type Engine struct {
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine はシステム時刻を使うEngineを生成する。
func NewEngine() *Engine {
	return &Engine{now: time.Now, sleep: sleepContext}
}

// NewEngineWithClock は時刻と待機処理を指定してEngineを生成する。
func NewEngineWithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Engine {
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Engine{now: now, sleep: sleep}
}

// GenerateCode は現在時刻のコードを生成する。
func (e *Engine) GenerateCode(secret string) (string, error) {
	return e.GenerateCodeAt(secret, e.now())
}

// GenerateCodeAt は指定時刻のコードを生成する。
func (e *Engine) GenerateCodeAt(secret string, t time.Time) (string, error) {
	normalized, err := normalizeSecret(secret)
	if err != nil {
		return "", err
	}
	code, err := libtotp.GenerateCodeCustom(normalized, t, totpOpts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return code, nil
}

// ValidateCode は現在周期の前後window周期までを許容してコードを検証する。
func (e *Engine) ValidateCode(secret, code string, window int) (bool, error) {
	return e.ValidateCodeAt(secret, code, window, e.now())
}

// ValidateCodeAt は指定時刻を基準にコードを検証する。
func (e *Engine) ValidateCodeAt(secret, code string, window int, t time.Time) (bool, error) {
	normalized, err := normalizeSecret(secret)
	if err != nil {
		return false, err
	}
	code = strings.TrimSpace(code)
	if len(code) != Digits {
		return false, nil
	}
	if window < 0 {
		window = 0
	}

	opts := totpOpts
	opts.Skew = uint(window)
	ok, err := libtotp.ValidateCustom(code, normalized, t, opts)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return ok, nil
}

// GenerateFreshCode は少なくともminValidityの残り有効時間を持つコードを返す。
// 周期の終わり間際であれば次の周期の開始まで待ってから生成する。
// 送信中に周期が切り替わってコードが無効になるのを防ぐ。
func (e *Engine) GenerateFreshCode(ctx context.Context, secret string, minValidity time.Duration) (string, error) {
	if _, err := DecodeSecret(secret); err != nil {
		return "", err
	}
	if minValidity > Period*time.Second {
		minValidity = Period * time.Second
	}

	now := e.now()
	if remaining := Remaining(now); remaining < minValidity {
		if err := e.sleep(ctx, remaining+50*time.Millisecond); err != nil {
			return "", err
		}
		now = e.now()
	}
	return e.GenerateCodeAt(secret, now)
}

// Counter は時刻からHOTPカウンタ（unix秒 / 30）を求める。
func Counter(t time.Time) uint64 {
	return uint64(t.Unix()) / Period
}

// Remaining は現在の周期の残り有効時間を返す。
func Remaining(t time.Time) time.Duration {
	elapsed := time.Duration(t.UnixNano() % int64(Period*time.Second))
	return Period*time.Second - elapsed
}

// HOTP はRFC 4226のHOTP値を6桁の文字列で返す。
func HOTP(secret string, counter uint64) (string, error) {
	normalized, err := normalizeSecret(secret)
	if err != nil {
		return "", err
	}
	code, err := hotp.GenerateCodeCustom(normalized, counter, hotpOpts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return code, nil
}

// DecodeSecret はBase32のシークレットをデコードする。
// 大文字小文字・空白・ハイフン・パディングは許容し、それ以外の文字はエラーにする。
func DecodeSecret(secret string) ([]byte, error) {
	normalized, err := normalizeSecret(secret)
	if err != nil {
		return nil, err
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

// normalizeSecret は区切り文字とパディングを除いた大文字のBase32文字列を返す。
// otpライブラリに渡すシークレットは必ずここを通す。
func normalizeSecret(secret string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(secret) {
		switch {
		case r == ' ' || r == '-' || r == '=' || r == '\t':
			continue
		case (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7'):
			b.WriteRune(r)
		default:
			return "", fmt.Errorf("%w: character %q is not in the base32 alphabet", ErrInvalidSecret, r)
		}
	}

	normalized := b.String()
	if normalized == "" {
		return "", fmt.Errorf("%w: empty secret", ErrInvalidSecret)
	}
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return normalized, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
