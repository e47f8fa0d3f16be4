// Package security はWebhook送信先の検証とHTML由来テキストの無害化を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService は運用者が設定したWebhook URLを検証し、安全なクライアントを作る。
type SSRFGuardService interface {
	// NewSafeClient は内部アドレスへの接続をダイヤル時に拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL は起動時にURLを静的に検証する。DNS解決は行わない。
	ValidateURL(rawURL string) error
}

// ErrBlockedDestination は送信先が内部アドレスまたは許可外ポートを指すことを表す。
var ErrBlockedDestination = errors.New("blocked webhook destination")

// DefaultWebhookPorts はポート指定がない場合に許可するポート。
var DefaultWebhookPorts = []int{80, 443}

// internalPrefixes はWebhookの宛先にしてはならないアドレス範囲。
// リンクローカルにはクラウドのメタデータIPが含まれる。
var internalPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// internalHostSuffixes はDNSで内部を指すことが多いホスト名。
var internalHostSuffixes = []string{"localhost", ".localhost", ".internal", ".local"}

// WebhookGuard はSSRFGuardServiceの実装。
type WebhookGuard struct {
	ports []int
}

var _ SSRFGuardService = (*WebhookGuard)(nil)

// NewSSRFGuard は許可ポートを指定してガードを生成する。省略時はDefaultWebhookPorts。
func NewSSRFGuard(ports ...int) *WebhookGuard {
	if len(ports) == 0 {
		ports = DefaultWebhookPorts
	}
	return &WebhookGuard{ports: slices.Clone(ports)}
}

// NewSafeClient はsafeurlのクライアントを返す。
// safeurlはDNS解決後のIPをダイヤル直前に検査するため、再バインディングにも効く。
func (g *WebhookGuard) NewSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL はスキーム、ホスト、ポートを検査する。
// ホスト名の解決先はNewSafeClientのダイヤル時に改めて検査される。
func (g *WebhookGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must be http or https, got %q", u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("webhook URL has no host: %s", rawURL)
	}
	if u.User != nil {
		return errors.New("webhook URL must not carry credentials")
	}

	port, err := effectivePort(u, scheme)
	if err != nil {
		return err
	}
	if !slices.Contains(g.ports, port) {
		return fmt.Errorf("%w: port %d not in %v", ErrBlockedDestination, port, g.ports)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isInternalAddr(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedDestination, addr)
		}
		return nil
	}
	for _, suffix := range internalHostSuffixes {
		if host == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: %s", ErrBlockedDestination, host)
		}
	}
	return nil
}

func effectivePort(u *url.URL, scheme string) (int, error) {
	p := u.Port()
	if p == "" {
		if scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

// isInternalAddr はIPv4射影アドレスを展開してから範囲を照合する。
func isInternalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, p := range internalPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
