package usersession

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// MinPersistentCookies は対象ドメインで必要な有効期限付きCookieの最小数。
const MinPersistentCookies = 2

// MaxSnapshotBytes はスナップショットの最大サイズ。
const MaxSnapshotBytes = 1 << 20

// ValidationResult はスナップショット検証の結果。
type ValidationResult struct {
	Valid           bool
	Error           string
	CookieCount     int      // 対象ドメインに一致するCookie数
	PersistentCount int      // そのうち有効期限が未来のCookie数
	Domains         []string // スナップショットに含まれるCookieドメイン（重複なし、ソート済み）

	snapshot     *model.SessionSnapshot
	latestExpiry time.Time
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Error: fmt.Sprintf(format, args...)}
}

// Validate はrawがdomain向けのセッションスナップショットとして使えるかを検証する。
//
// JSONオブジェクトでcookies配列を持つこと、domainに一致するCookieが1つ以上あること、
// そのうち有効期限が未来のものがMinPersistentCookies個以上あることを要求する。
func Validate(raw []byte, domain string, now time.Time) ValidationResult {
	if len(bytes.TrimSpace(raw)) == 0 {
		return invalid("snapshot is empty")
	}
	if len(raw) > MaxSnapshotBytes {
		return invalid("snapshot exceeds %d bytes", MaxSnapshotBytes)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return invalid("snapshot is not a JSON object")
	}
	cookiesRaw, ok := envelope["cookies"]
	if !ok {
		return invalid("snapshot has no cookies field")
	}
	if trimmed := bytes.TrimSpace(cookiesRaw); len(trimmed) == 0 || trimmed[0] != '[' {
		return invalid("cookies must be an array")
	}
	if originsRaw, ok := envelope["origins"]; ok {
		if trimmed := bytes.TrimSpace(originsRaw); len(trimmed) == 0 || (trimmed[0] != '[' && !bytes.Equal(trimmed, []byte("null"))) {
			return invalid("origins must be an array")
		}
	}

	var snapshot model.SessionSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return invalid("snapshot has malformed cookies or origins")
	}
	if snapshot.Origins == nil {
		snapshot.Origins = []model.Origin{}
	}

	result := ValidationResult{snapshot: &snapshot}
	seen := make(map[string]struct{})
	for i, c := range snapshot.Cookies {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Domain) == "" {
			return invalid("cookie #%d has no name or domain", i+1)
		}
		d := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		if _, dup := seen[d]; !dup {
			seen[d] = struct{}{}
			result.Domains = append(result.Domains, d)
		}

		if !c.MatchesDomain(domain) {
			continue
		}
		result.CookieCount++
		if exp, ok := c.ExpiresAt(); ok && exp.After(now) {
			result.PersistentCount++
			if exp.After(result.latestExpiry) {
				result.latestExpiry = exp
			}
		}
	}
	sort.Strings(result.Domains)

	if result.CookieCount == 0 {
		result.Error = fmt.Sprintf("snapshot contains no cookies for %s; export the session while on that site", domain)
		return result
	}
	if result.PersistentCount < MinPersistentCookies {
		result.Error = fmt.Sprintf("snapshot has only %d persistent cookie(s) for %s; log in fully (with \"remember me\" if offered) before exporting",
			result.PersistentCount, domain)
		return result
	}

	result.Valid = true
	return result
}

// expiresAt はセッションの有効期限を返す。対象Cookieの最も遅い有効期限とnow+maxAgeの早い方。
func (r ValidationResult) expiresAt(now time.Time, maxAge time.Duration) time.Time {
	limit := now.Add(maxAge)
	if !r.latestExpiry.IsZero() && r.latestExpiry.Before(limit) {
		return r.latestExpiry
	}
	return limit
}
