package model

import (
	"strings"
	"time"
)

// UserSessionStatus はユーザー提供セッションのライフサイクル状態を表す。
type UserSessionStatus string

const (
	// UserSessionActive は利用可能な状態。
	UserSessionActive UserSessionStatus = "ACTIVE"
	// UserSessionExpired は有効期限を過ぎた状態。
	UserSessionExpired UserSessionStatus = "EXPIRED"
	// UserSessionNeedsReauth はサイト側でログアウトされ再エクスポートが必要な状態。
	UserSessionNeedsReauth UserSessionStatus = "NEEDS_REAUTH"
	// UserSessionInvalid は保存されたデータ自体が壊れている状態。
	UserSessionInvalid UserSessionStatus = "INVALID"
)

// UserSessionMetadata はユーザーセッションに付随する自由形式のメタデータ。
// JSONBカラムとして保存される。
type UserSessionMetadata struct {
	CookieCount     int        `json:"cookie_count"`
	Domains         []string   `json:"domains,omitempty"`
	Label           string     `json:"label,omitempty"`
	LastErrorReason string     `json:"last_error_reason,omitempty"`
	LastNotifiedAt  *time.Time `json:"last_notified_at,omitempty"`
}

// UserSession はユーザーがアップロードしたセッションスナップショットを表す。
// (UserID, Site, Domain) で一意となる。
type UserSession struct {
	ID                string
	UserID            string
	Site              string
	Domain            string
	Status            UserSessionStatus
	EncryptedSnapshot string
	Metadata          UserSessionMetadata
	ExpiresAt         time.Time
	LastUsedAt        *time.Time
	LastErrorAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsExpired は指定時刻においてセッションが有効期限切れかを返す。
func (s *UserSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Cookie はセッションスナップショット内のCookieを表す。
// Expiresはunix秒。セッションCookieは-1または0。
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// ExpiresAt はCookieの有効期限を返す。セッションCookieの場合はfalseを返す。
func (c Cookie) ExpiresAt() (time.Time, bool) {
	if c.Expires <= 0 {
		return time.Time{}, false
	}
	sec := int64(c.Expires)
	nsec := int64((c.Expires - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true
}

// MatchesDomain はCookieのドメインが指定ドメインに属するかを返す。
// 先頭のドットは無視し、サブドメインも一致とみなす。
func (c Cookie) MatchesDomain(domain string) bool {
	cd := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	d := strings.ToLower(strings.TrimPrefix(domain, "."))
	if cd == "" || d == "" {
		return false
	}
	return cd == d || strings.HasSuffix(cd, "."+d) || strings.HasSuffix(d, "."+cd)
}

// NameValue はlocalStorageのエントリを表す。
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin はオリジンごとのlocalStorageを表す。
type Origin struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// SessionSnapshot はブラウザのCookieとlocalStorageを直列化したもの。
// ブラウザエンジンのstorage state形式と互換。
type SessionSnapshot struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}
