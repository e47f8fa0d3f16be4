// Package vault は保存時の秘密情報（パスワード、TOTPシークレット、セッションスナップショット）の
// 暗号化・復号とログ出力用のマスキングを提供する。
//
// 暗号文の形式は hex(iv):hex(authTag):hex(data) の3パートをコロンで連結した文字列。
// 鍵は起動時に1回だけ、オペレーターが設定したシークレットとデプロイごとのソルトから
// scryptで導出する。
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hitoshi/loginkeeper/internal/model"
	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32 // AES-256
	ivSize    = 16
	tagSize   = 16
	minSecret = 32

	defaultScryptN = 1 << 15
	scryptR        = 8
	scryptP        = 1
)

var (
	// ErrMissingKey は暗号鍵のシークレットが未設定であることを表す。
	ErrMissingKey = errors.New("encryption key is not configured")
	// ErrPlaceholderKey はサンプル値のままのシークレットが設定されていることを表す。
	ErrPlaceholderKey = errors.New("encryption key is a known placeholder value")
	// ErrWeakKey はシークレットが短すぎることを表す。
	ErrWeakKey = fmt.Errorf("encryption key must be at least %d characters", minSecret)
	// ErrMalformedCiphertext は暗号文の形式が不正であることを表す。
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// placeholderKeys はドキュメントやサンプル設定に載っている既知の値。
var placeholderKeys = map[string]struct{}{
	"changeme":                              {},
	"change-me":                             {},
	"change_me":                             {},
	"default":                               {},
	"secret":                                {},
	"your-encryption-key":                   {},
	"your-encryption-key-here":              {},
	"your_encryption_key_here":              {},
	"replace-with-a-random-32-char-secret":  {},
	"please-change-this-encryption-key-now": {},
	"00000000000000000000000000000000":      {},
}

// Vault は対称暗号による秘密情報の暗号化・復号を行う。
// 鍵設定に不備がある場合も生成自体は成功し、すべての暗号操作がEncryptionErrorを返す。
type Vault struct {
	aead   cipher.AEAD
	keyErr error
}

// Option はVault生成時のオプション。
type Option func(*options)

type options struct {
	scryptN int
}

// WithScryptCost はscryptのコストパラメータNを変更する。テストでの高速化用。
func WithScryptCost(n int) Option {
	return func(o *options) { o.scryptN = n }
}

// New はシークレットとソルトから鍵を導出してVaultを生成する。
// シークレットが未設定・既知のサンプル値・32文字未満の場合は鍵を導出せず、
// 以降のすべての操作を失敗させる。
func New(secret string, salt []byte, opts ...Option) *Vault {
	o := options{scryptN: defaultScryptN}
	for _, opt := range opts {
		opt(&o)
	}

	if err := ValidateSecret(secret); err != nil {
		return &Vault{keyErr: err}
	}
	if len(salt) < saltSize {
		return &Vault{keyErr: fmt.Errorf("salt must be at least %d bytes", saltSize)}
	}

	key, err := scrypt.Key([]byte(secret), salt, o.scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return &Vault{keyErr: fmt.Errorf("failed to derive key: %w", err)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return &Vault{keyErr: fmt.Errorf("failed to create cipher: %w", err)}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return &Vault{keyErr: fmt.Errorf("failed to create gcm: %w", err)}
	}

	return &Vault{aead: aead}
}

// ValidateSecret はオペレーターが設定したシークレットが利用可能かを検証する。
func ValidateSecret(secret string) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return ErrMissingKey
	}
	if _, ok := placeholderKeys[strings.ToLower(trimmed)]; ok {
		return ErrPlaceholderKey
	}
	if len(trimmed) < minSecret {
		return ErrWeakKey
	}
	return nil
}

// CheckKey は鍵設定が有効かを返す。書き込み前の再検証に使う。
func (v *Vault) CheckKey() error {
	if v == nil {
		return &model.EncryptionError{Op: "key", Err: ErrMissingKey}
	}
	if v.keyErr != nil {
		return &model.EncryptionError{Op: "key", Err: v.keyErr}
	}
	return nil
}

// Encrypt は平文を暗号化する。空文字列は暗号化せず空文字列を返す。
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if err := v.CheckKey(); err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", &model.EncryptionError{Op: "encrypt", Err: err}
	}

	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(data), nil
}

// Decrypt は暗号文を復号する。空文字列は空文字列を返す。
// 形式不正・認証タグ不一致はEncryptionErrorとなる。
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if err := v.CheckKey(); err != nil {
		return "", err
	}

	iv, tag, data, err := splitCiphertext(ciphertext)
	if err != nil {
		return "", &model.EncryptionError{Op: "decrypt", Err: err}
	}

	plain, err := v.aead.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", &model.EncryptionError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

// IsEncrypted は文字列がこのパッケージの暗号文形式かどうかを返す。
// 鍵の正しさは検証しない。
func IsEncrypted(text string) bool {
	_, _, _, err := splitCiphertext(text)
	return err == nil
}

// IsEncrypted はパッケージ関数IsEncryptedのメソッド版。
func (v *Vault) IsEncrypted(text string) bool {
	return IsEncrypted(text)
}

// EnsureEncrypted は未暗号化の場合のみ暗号化する（冪等）。
func (v *Vault) EnsureEncrypted(text string) (string, error) {
	if text == "" || IsEncrypted(text) {
		return text, nil
	}
	return v.Encrypt(text)
}

// EnsureDecrypted は暗号文の場合のみ復号する（冪等）。
func (v *Vault) EnsureDecrypted(text string) (string, error) {
	if !IsEncrypted(text) {
		return text, nil
	}
	return v.Decrypt(text)
}

func splitCiphertext(text string) (iv, tag, data []byte, err error) {
	parts := strings.Split(text, ":")
	if len(parts) != 3 {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	if len(parts[0]) != ivSize*2 || len(parts[1]) != tagSize*2 || parts[2] == "" {
		return nil, nil, nil, ErrMalformedCiphertext
	}

	if iv, err = hex.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	if data, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	return iv, tag, data, nil
}
