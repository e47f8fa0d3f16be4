package site

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/loginkeeper/internal/browser"
	"github.com/hitoshi/loginkeeper/internal/security"
)

// ErrFlowNotSupported はサイト設定にない操作を要求されたことを表す。
var ErrFlowNotSupported = errors.New("operation not supported by site flow")

// FormFlow はサイト設定のセレクタと目印だけで動く汎用のAuthFlow実装。
type FormFlow struct {
	site      *Site
	sanitizer security.TextSanitizerService
}

// NewFormFlow はFormFlowを生成する。
func NewFormFlow(s *Site, sanitizer security.TextSanitizerService) *FormFlow {
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer(0)
	}
	return &FormFlow{site: s, sanitizer: sanitizer}
}

// DetectState はページのHTMLを取得して状態を判定する。
func (f *FormFlow) DetectState(ctx context.Context, page browser.Page) (PageState, error) {
	body, err := page.Content(ctx)
	if err != nil {
		return StateUnknown, fmt.Errorf("detect state: %w", err)
	}
	return Classify(f.site, page.URL(), body), nil
}

// Login はログインページへ移動し、認証情報を入力して送信する。
// すでにログイン済みであれば何もしない。
func (f *FormFlow) Login(ctx context.Context, page browser.Page, creds Credentials) (StepResult, error) {
	state, err := f.DetectState(ctx, page)
	if err != nil {
		return StepResult{State: StateUnknown}, err
	}
	if state.Authenticated() {
		return StepResult{State: state}, nil
	}
	if state != StateLoginPage {
		if err := page.Goto(ctx, f.site.LoginURL); err != nil {
			return StepResult{State: StateUnknown}, err
		}
		if state, err = f.DetectState(ctx, page); err != nil {
			return StepResult{State: StateUnknown}, err
		}
	}

	switch state {
	case StateLoginPage:
	case StateUnknown:
		// ログインフォームを目印で判定できないサイトでも入力は試みる
	default:
		return StepResult{State: state}, nil
	}

	sel := f.site.Selectors
	if err := page.Fill(ctx, sel.Username, creds.Username); err != nil {
		return StepResult{State: state}, err
	}
	if err := page.Fill(ctx, sel.Password, creds.Password); err != nil {
		return StepResult{State: state}, err
	}
	if err := page.Click(ctx, sel.Submit); err != nil {
		return StepResult{State: state}, err
	}
	return f.afterSubmit(ctx, page)
}

// HandleMFA はワンタイムコードを入力して送信する。
func (f *FormFlow) HandleMFA(ctx context.Context, page browser.Page, code string) (StepResult, error) {
	sel := f.site.Selectors
	if sel.OTP == "" {
		return StepResult{State: StateMFARequired}, fmt.Errorf("site %s: otp selector: %w", f.site.ID, ErrFlowNotSupported)
	}

	if err := page.Fill(ctx, sel.OTP, code); err != nil {
		return StepResult{State: StateMFARequired}, err
	}
	submit := sel.OTPSubmit
	if submit == "" {
		submit = sel.Submit
	}
	if err := page.Click(ctx, submit); err != nil {
		return StepResult{State: StateMFARequired}, err
	}
	return f.afterSubmit(ctx, page)
}

// ValidateSession は検証用URLへ移動してログイン済みかを判定する。
func (f *FormFlow) ValidateSession(ctx context.Context, page browser.Page) (bool, error) {
	target := f.site.ValidationURL
	if target == "" {
		target = "https://" + f.site.Domain + "/"
	}
	if err := page.Goto(ctx, target); err != nil {
		return false, err
	}
	state, err := f.DetectState(ctx, page)
	if err != nil {
		return false, err
	}
	return state.Authenticated(), nil
}

// IsContentPage は現在のページが通常のページかを返す。
func (f *FormFlow) IsContentPage(ctx context.Context, page browser.Page) (bool, error) {
	state, err := f.DetectState(ctx, page)
	if err != nil {
		return false, err
	}
	return state == StateContentPage || state == StateLoggedIn, nil
}

// afterSubmit は送信後の読み込みを待って状態を判定し、エラー表示があれば読み取る。
func (f *FormFlow) afterSubmit(ctx context.Context, page browser.Page) (StepResult, error) {
	if err := page.WaitForLoad(ctx); err != nil {
		return StepResult{State: StateUnknown}, err
	}
	state, err := f.DetectState(ctx, page)
	if err != nil {
		return StepResult{State: StateUnknown}, err
	}

	result := StepResult{State: state}
	if state == StateLoginPage || state == StateMFARequired || state == StateAccountBlocked {
		result.Message = f.readErrorMessage(ctx, page)
	}
	return result, nil
}

// readErrorMessage はエラー表示を読み取る。表示がなければ空文字列を返す。
func (f *FormFlow) readErrorMessage(ctx context.Context, page browser.Page) string {
	if f.site.Selectors.ErrorMessage == "" {
		return ""
	}
	text, err := page.TextContent(ctx, f.site.Selectors.ErrorMessage)
	if err != nil {
		return ""
	}
	return f.sanitizer.Sanitize(strings.TrimSpace(text))
}

// compile-time interface check
var _ AuthFlow = (*FormFlow)(nil)
