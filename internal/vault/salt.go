package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const saltSize = 16

// LoadOrCreateSalt はデプロイごとの鍵導出ソルトをファイルから読み込む。
// ファイルが存在しない場合はランダムなソルトを生成して0600で保存する。
// ソルトは暗号文には埋め込まず、このファイルとしてのみ保持する。
//
// 保存は一時ファイルに書き終えてからハードリンクで配置するため、
// 他のプロセスから書きかけのファイルが見えることはない。
// 同時に起動した場合は先に配置された方のソルトを全員が使う。
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := readSalt(path)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	tmp, err := writeTempSalt(dir, salt)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return readSalt(path)
		}
		return nil, fmt.Errorf("failed to install salt file: %w", err)
	}
	return salt, nil
}

// readSalt は保存済みのソルトを読み込む。ファイルがなければfs.ErrNotExistを包んで返す。
func readSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}
	salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt file %s: %w", path, err)
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("salt file %s is too short", path)
	}
	return salt, nil
}

// writeTempSalt はdirに0600の一時ファイルを作ってソルトを書き込み、そのパスを返す。
func writeTempSalt(dir string, salt []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".salt-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary salt file: %w", err)
	}
	name := f.Name()
	fail := func(op string, err error) (string, error) {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to %s temporary salt file: %w", op, err)
	}

	if err := f.Chmod(0o600); err != nil {
		return fail("chmod", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(salt) + "\n"); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close temporary salt file: %w", err)
	}
	return name, nil
}
