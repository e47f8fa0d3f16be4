package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "k3y-for-tests-0123456789abcdefghijklmnop"

var testSalt = []byte("0123456789abcdef")

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := New(testSecret, testSalt, WithScryptCost(1<<10))
	require.NoError(t, v.CheckKey())
	return v
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	inputs := []string{
		"p",
		"hunter2",
		"パスワード🔐",
		strings.Repeat("x", 4096),
		`{"cookies":[{"name":"sid","value":"abc"}],"origins":[]}`,
	}
	for _, in := range inputs {
		enc, err := v.Encrypt(in)
		require.NoError(t, err)
		assert.True(t, IsEncrypted(enc), "ciphertext should be recognised: %q", enc)

		dec, err := v.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, in, dec)
	}
}

func TestEncrypt_Format(t *testing.T) {
	v := newTestVault(t)

	enc, err := v.Encrypt("secret-value")
	require.NoError(t, err)

	parts := strings.Split(enc, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 32, "iv is 128 bits hex encoded")
	assert.Len(t, parts[1], 32, "auth tag is 128 bits hex encoded")
	assert.Len(t, parts[2], len("secret-value")*2)
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same input")
	require.NoError(t, err)
	b, err := v.Encrypt("same input")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	da, err := v.Decrypt(a)
	require.NoError(t, err)
	db, err := v.Decrypt(b)
	require.NoError(t, err)
	assert.Equal(t, "same input", da)
	assert.Equal(t, "same input", db)
}

func TestEncryptDecrypt_EmptyString(t *testing.T) {
	// 鍵が不正でも空文字列は暗号処理を通らない
	v := New("", nil)

	enc, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)

	dec, err := v.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", dec)
}

func TestEnsureEncrypted_Idempotent(t *testing.T) {
	v := newTestVault(t)

	once, err := v.EnsureEncrypted("api-password")
	require.NoError(t, err)
	twice, err := v.EnsureEncrypted(once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)

	plain, err := v.EnsureDecrypted(twice)
	require.NoError(t, err)
	assert.Equal(t, "api-password", plain)

	same, err := v.EnsureDecrypted("not encrypted")
	require.NoError(t, err)
	assert.Equal(t, "not encrypted", same)
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	v := newTestVault(t)

	enc, err := v.Encrypt("do not touch")
	require.NoError(t, err)

	parts := strings.Split(enc, ":")
	last := parts[2][len(parts[2])-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	parts[2] = parts[2][:len(parts[2])-1] + string(flip)

	_, err = v.Decrypt(strings.Join(parts, ":"))
	var encErr *model.EncryptionError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "decrypt", encErr.Op)
}

func TestDecrypt_WrongKey(t *testing.T) {
	v := newTestVault(t)
	other := New(testSecret+"-other", testSalt, WithScryptCost(1<<10))

	enc, err := v.Encrypt("value")
	require.NoError(t, err)

	_, err = other.Decrypt(enc)
	var encErr *model.EncryptionError
	assert.ErrorAs(t, err, &encErr)
}

func TestDecrypt_Malformed(t *testing.T) {
	v := newTestVault(t)

	for _, in := range []string{"abc", "a:b", "zz:zz:zz", "00:00:00:00"} {
		_, err := v.Decrypt(in)
		var encErr *model.EncryptionError
		require.ErrorAs(t, err, &encErr, "input %q", in)
		assert.True(t, errors.Is(err, ErrMalformedCiphertext), "input %q", in)
	}
}

func TestNew_RejectsBadSecrets(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr error
	}{
		{"missing", "", ErrMissingKey},
		{"whitespace", "   ", ErrMissingKey},
		{"placeholder", "your-encryption-key-here", ErrPlaceholderKey},
		{"placeholder case", "CHANGEME", ErrPlaceholderKey},
		{"too short", "short-secret", ErrWeakKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(tt.secret, testSalt, WithScryptCost(1<<10))

			err := v.CheckKey()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = v.Encrypt("anything")
			var encErr *model.EncryptionError
			assert.ErrorAs(t, err, &encErr)

			_, err = v.Decrypt("00000000000000000000000000000000:00000000000000000000000000000000:00")
			assert.ErrorAs(t, err, &encErr)
		})
	}
}

func TestIsEncrypted(t *testing.T) {
	assert.False(t, IsEncrypted(""))
	assert.False(t, IsEncrypted("plain text"))
	assert.False(t, IsEncrypted("a:b:c"))
	assert.False(t, IsEncrypted(strings.Repeat("0", 32)+":"+strings.Repeat("0", 32)+":"))
	assert.True(t, IsEncrypted(strings.Repeat("0", 32)+":"+strings.Repeat("f", 32)+":ab"))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("abcd"))
	assert.Equal(t, "hu****r2", Mask("hunter2"))
	assert.NotContains(t, Mask("supersecretpassword"), "secret")
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", MaskEmail("john.doe@example.com"))
	assert.Equal(t, "a***@example.com", MaskEmail("a@example.com"))
	assert.Equal(t, "no****il", MaskEmail("not-an-email"))
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vault.salt")

	first, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Len(t, first, saltSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "salt must be stable across restarts")
}

func TestLoadOrCreateSalt_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.salt")
	require.NoError(t, os.WriteFile(path, []byte("not-hex"), 0o600))

	_, err := LoadOrCreateSalt(path)
	assert.Error(t, err)
}

func TestLoadOrCreateSalt_ConcurrentCallersShareOneSalt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.salt")

	const callers = 16
	salts := make([][]byte, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			salts[i], errs[i] = LoadOrCreateSalt(path)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range salts {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, salts[0], salts[i], "caller %d got a different salt", i)
	}

	stored, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, salts[0], stored)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must be cleaned up")
	assert.Equal(t, "vault.salt", entries[0].Name())
}

func TestLoadOrCreateSalt_EmptyFileIsNotOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.salt")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := LoadOrCreateSalt(path)
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}
