// Package cleanup はユーザーセッションの定期整理ジョブを提供する。
// 有効期限を過ぎたACTIVEセッションをEXPIREDに遷移させ、
// 保持期間（デフォルト30日）を超えたEXPIRED/INVALIDの行を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	expireQuery = `UPDATE user_sessions SET status = 'EXPIRED', updated_at = now()
WHERE status = 'ACTIVE' AND expires_at < now()`

	deleteQuery = `DELETE FROM user_sessions
WHERE status IN ('EXPIRED', 'INVALID') AND updated_at < now() - $1::interval`
)

// CleanupJob はユーザーセッションの整理ジョブ。
// 何度実行しても同じ結果になる。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // EXPIRED/INVALIDの行を残す日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。retentionDaysが0以下の場合は30日。
func NewCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Start は起動直後に1回実行し、その後interval間隔で実行する。ctxのキャンセルで停止する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Run は期限切れセッションの遷移と古い行の削除を行う。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	expired, err := j.exec(ctx, "expire", expireQuery)
	if err != nil {
		return err
	}

	interval := fmt.Sprintf("%d days", j.RetentionDays)
	deleted, err := j.exec(ctx, "delete", deleteQuery, interval)
	if err != nil {
		return err
	}

	j.logger.Info("user session cleanup completed",
		slog.Int64("expired_count", expired),
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) exec(ctx context.Context, step, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("user session cleanup failed",
			slog.String("step", step),
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("cleanup %s failed: %w", step, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: failed to read affected rows: %w", step, err)
	}
	return n, nil
}
