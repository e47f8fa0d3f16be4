package site

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FlowForm は設定駆動の汎用フォームフローを表すflow名。
const FlowForm = "form"

// Selectors はログイン操作に使うCSSセレクタ。
type Selectors struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Submit       string `yaml:"submit"`
	OTP          string `yaml:"otp"`
	OTPSubmit    string `yaml:"otp_submit"`
	ErrorMessage string `yaml:"error_message"`
}

// MarkerSet はページ状態を判定するための目印。いずれか1つに一致すれば該当とみなす。
// Textsは可視テキストの部分一致（大文字小文字を区別しない）、
// URLContainsはURLの部分一致、ElementsはCSSセレクタ。
type MarkerSet struct {
	Texts       []string `yaml:"texts"`
	URLContains []string `yaml:"url_contains"`
	Elements    []string `yaml:"elements"`
}

// Empty は目印が1つも設定されていないかを返す。
func (m MarkerSet) Empty() bool {
	return len(m.Texts) == 0 && len(m.URLContains) == 0 && len(m.Elements) == 0
}

// Markers は状態ごとの目印。
type Markers struct {
	Blocked   MarkerSet `yaml:"blocked"`
	Challenge MarkerSet `yaml:"challenge"`
	MFA       MarkerSet `yaml:"mfa"`
	LoginPage MarkerSet `yaml:"login_page"`
	LoggedIn  MarkerSet `yaml:"logged_in"`
	Content   MarkerSet `yaml:"content"`
}

// Site はスクレイピング対象サイトの設定。
type Site struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Domain           string            `yaml:"domain"`
	AlternateDomains map[string]string `yaml:"alternate_domains"`
	LoginURL         string            `yaml:"login_url"`
	ValidationURL    string            `yaml:"validation_url"`
	RequiresAuth     bool              `yaml:"requires_auth"`
	Flow             string            `yaml:"flow"`
	Selectors        Selectors         `yaml:"selectors"`
	Markers          Markers           `yaml:"markers"`
}

// DomainFor はラベルに対応するドメインを返す。ラベルが空の場合は主ドメイン。
func (s *Site) DomainFor(label string) (string, error) {
	if label == "" {
		return s.Domain, nil
	}
	domain, ok := s.AlternateDomains[label]
	if !ok {
		return "", fmt.Errorf("site %s has no domain labeled %q", s.ID, label)
	}
	return domain, nil
}

// Validate はサイト設定の必須項目と書式を検証する。
func (s *Site) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if s.Domain == "" {
		errs = append(errs, errors.New("domain is required"))
	}
	for label, domain := range s.AlternateDomains {
		if label == "" || domain == "" {
			errs = append(errs, errors.New("alternate_domains entries need a label and a domain"))
		}
	}
	if s.RequiresAuth {
		if err := validateURL("login_url", s.LoginURL); err != nil {
			errs = append(errs, err)
		}
		if err := validateURL("validation_url", s.ValidationURL); err != nil {
			errs = append(errs, err)
		}
		if s.flowName() == FlowForm {
			if s.Selectors.Username == "" || s.Selectors.Password == "" || s.Selectors.Submit == "" {
				errs = append(errs, errors.New("selectors.username, selectors.password and selectors.submit are required for form flow"))
			}
		}
	}
	for _, set := range []MarkerSet{s.Markers.Blocked, s.Markers.Challenge, s.Markers.MFA, s.Markers.LoginPage, s.Markers.LoggedIn, s.Markers.Content} {
		for _, sel := range set.Elements {
			if err := ValidateSelector(sel); err != nil {
				errs = append(errs, fmt.Errorf("marker element %q: %w", sel, err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid site %q: %w", s.ID, err)
	}
	return nil
}

func (s *Site) flowName() string {
	if s.Flow == "" {
		return FlowForm
	}
	return s.Flow
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}

// registryFile はサイト設定ファイルのトップレベル構造。
type registryFile struct {
	Sites []*Site `yaml:"sites"`
}

// Registry はサイトIDからサイト設定を引く。生成後は読み取り専用。
type Registry struct {
	sites map[string]*Site
	order []string
}

// NewRegistry はサイト設定を検証してRegistryを生成する。
func NewRegistry(sites ...*Site) (*Registry, error) {
	r := &Registry{sites: make(map[string]*Site, len(sites))}
	for _, s := range sites {
		s.ID = strings.TrimSpace(s.ID)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sites[s.ID]; dup {
			return nil, fmt.Errorf("duplicate site id %q", s.ID)
		}
		r.sites[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r, nil
}

// ParseRegistry はYAMLからRegistryを生成する。
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sites config: %w", err)
	}
	if len(f.Sites) == 0 {
		return nil, errors.New("sites config defines no sites")
	}
	return NewRegistry(f.Sites...)
}

// LoadRegistry はファイルからRegistryを読み込む。
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites config %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// Get はサイト設定を返す。
func (r *Registry) Get(id string) (*Site, bool) {
	s, ok := r.sites[id]
	return s, ok
}

// Sites は定義順のサイト設定一覧を返す。
func (r *Registry) Sites() []*Site {
	out := make([]*Site, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sites[id])
	}
	return out
}
