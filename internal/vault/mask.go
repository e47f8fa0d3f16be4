package vault

import "strings"

// Mask はログ出力用に秘密情報を伏せ字にする。
// 5文字以上の場合のみ先頭2文字と末尾2文字を残す。
func Mask(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:2]) + "****" + string(r[len(r)-2:])
}

// MaskEmail はメールアドレスのローカル部を伏せ字にする。ドメインは残す。
// 例: "john.doe@example.com" -> "jo***@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return Mask(email)
	}
	local := []rune(email[:at])
	keep := 2
	if len(local) <= 2 {
		keep = 1
	}
	return string(local[:keep]) + "***" + email[at:]
}
