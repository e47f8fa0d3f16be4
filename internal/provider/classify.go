package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// Disposition は呼び出し側がエラーをどう扱うべきか。
type Disposition int

const (
	// Fail は想定外のエラー。再試行やアラートの対象として数える。
	Fail Disposition = iota
	// Skip は認証の問題。意図的なスキップとして扱い、障害として数えない。
	Skip
	// Retry は一時的な障害。
	Retry
)

func (d Disposition) String() string {
	switch d {
	case Skip:
		return "skip"
	case Retry:
		return "retry"
	default:
		return "fail"
	}
}

// authSignatures は認証の問題を示すエラーメッセージの断片（小文字）。
var authSignatures = []string{
	// ログイン要求
	"login required",
	"please log in",
	"please sign in",
	"sign in to continue",
	"log in to continue",
	"authentication required",
	// セッション切れ
	"session expired",
	"session has expired",
	"session timed out",
	"not logged in",
	// 本人確認・ボット対策
	"verify you are human",
	"verification required",
	"captcha",
	"unusual traffic",
	"access denied",
}

// IsAuthProblem はerrが認証の問題（システムの不具合ではない）かを返す。
func IsAuthProblem(err error) bool {
	if err == nil {
		return false
	}

	var (
		authRequired *model.AuthRequiredError
		noSession    *model.NoSessionError
		renewal      *model.AuthRenewalFailedError
		authErr      *model.AuthError
		noAccount    *model.NoAccountError
		circuitOpen  *model.CircuitOpenError
	)
	switch {
	case errors.As(err, &authRequired),
		errors.As(err, &noSession),
		errors.As(err, &renewal),
		errors.As(err, &authErr),
		errors.As(err, &noAccount),
		errors.As(err, &circuitOpen):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range authSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Classify はerrの扱いを判定する。
func Classify(err error) Disposition {
	if err == nil {
		return Fail
	}
	if IsAuthProblem(err) {
		return Skip
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retry
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retry
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "target closed") {
		return Retry
	}
	return Fail
}
