package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PoolOptions はコネクションプールの設定。
// ワーカーはブラウザ操作の合間に短いクエリを発行するだけなので小さめでよい。
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolOptions はmaxOpenを上限とするプール設定を返す。0以下なら10。
func DefaultPoolOptions(maxOpen int) PoolOptions {
	if maxOpen <= 0 {
		maxOpen = 10
	}
	idle := maxOpen / 2
	if idle < 1 {
		idle = 1
	}
	return PoolOptions{
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    idle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Open はlib/pqドライバでハンドルを作りプール設定を適用する。接続はまだ張らない。
func Open(databaseURL string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	return db, nil
}

// Connect はOpenしたうえでtimeout以内にPingが通ることを確認する。
// 失敗時はハンドルを閉じてから返す。
func Connect(ctx context.Context, databaseURL string, opts PoolOptions, timeout time.Duration) (*sql.DB, error) {
	db, err := Open(databaseURL, opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
