package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// PostgresUserSessionRepo はPostgreSQLを使用したユーザーセッションリポジトリ。
type PostgresUserSessionRepo struct {
	db *sql.DB
}

// NewPostgresUserSessionRepo はPostgresUserSessionRepoを生成する。
func NewPostgresUserSessionRepo(db *sql.DB) *PostgresUserSessionRepo {
	return &PostgresUserSessionRepo{db: db}
}

// FindByKey はキーでセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresUserSessionRepo) FindByKey(ctx context.Context, userID, site, domain string) (*model.UserSession, error) {
	s := &model.UserSession{}
	var status string
	var metadata []byte
	var lastUsed, lastError sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, site, domain, status, encrypted_snapshot, metadata,
			expires_at, last_used_at, last_error_at, created_at, updated_at
		 FROM user_sessions
		 WHERE user_id = $1 AND site = $2 AND domain = $3`,
		userID, site, domain,
	).Scan(&s.ID, &s.UserID, &s.Site, &s.Domain, &status, &s.EncryptedSnapshot, &metadata,
		&s.ExpiresAt, &lastUsed, &lastError, &s.CreatedAt, &s.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user session: %w", err)
	}

	s.Status = model.UserSessionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode user session metadata: %w", err)
		}
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		s.LastUsedAt = &t
	}
	if lastError.Valid {
		t := lastError.Time
		s.LastErrorAt = &t
	}
	return s, nil
}

// Upsert はセッションを作成または置き換える。
// metadataはlib/pqが[]byteをbyteaとして送るため文字列で渡す。
// 再アップロードではエラー状態（last_error_at、エラー理由、通知時刻）がリセットされる。
func (r *PostgresUserSessionRepo) Upsert(ctx context.Context, s *model.UserSession) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode user session metadata: %w", err)
	}

	var id string
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO user_sessions (id, user_id, site, domain, status, encrypted_snapshot, metadata,
			expires_at, last_error_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $9)
		 ON CONFLICT (user_id, site, domain) DO UPDATE SET
			status = EXCLUDED.status,
			encrypted_snapshot = EXCLUDED.encrypted_snapshot,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at,
			last_error_at = NULL,
			updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		s.ID, s.UserID, s.Site, s.Domain, string(s.Status), s.EncryptedSnapshot, string(metadata),
		s.ExpiresAt, s.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert user session: %w", err)
	}

	s.ID = id
	return id, nil
}

// UpdateStatus はstatus、metadata、last_error_atを更新する。
func (r *PostgresUserSessionRepo) UpdateStatus(ctx context.Context, id string, status model.UserSessionStatus, metadata model.UserSessionMetadata, lastErrorAt *time.Time) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode user session metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE user_sessions SET
			status = $2,
			metadata = $3,
			last_error_at = COALESCE($4, last_error_at),
			updated_at = now()
		 WHERE id = $1`,
		id, string(status), string(encoded), nullTime(lastErrorAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update user session status: %w", err)
	}
	return nil
}

// MarkNeedsReauth はNEEDS_REAUTHへの遷移と通知済み時刻の確保を1つの文で行う。
// 対象行はFOR UPDATEで確保するため、同時に呼ばれた後続の文は先行の更新後の値で判定する。
func (r *PostgresUserSessionRepo) MarkNeedsReauth(ctx context.Context, id, reason string, notifyCutoff, at time.Time) (bool, error) {
	var notified bool
	err := r.db.QueryRowContext(ctx,
		`WITH prev AS (
			SELECT id,
			       metadata->>'last_notified_at' IS NULL
			       OR (metadata->>'last_notified_at')::timestamptz <= $4 AS notify
			  FROM user_sessions
			 WHERE id = $1
			   FOR UPDATE
		)
		UPDATE user_sessions u SET
			status = $2,
			metadata = CASE
				WHEN prev.notify
				THEN jsonb_set(u.metadata, '{last_error_reason}', to_jsonb($3::text)) || jsonb_build_object('last_notified_at', $5::text)
				ELSE jsonb_set(u.metadata, '{last_error_reason}', to_jsonb($3::text))
			END,
			last_error_at = $6,
			updated_at = now()
		  FROM prev
		 WHERE u.id = prev.id
		 RETURNING prev.notify`,
		id, string(model.UserSessionNeedsReauth), reason, notifyCutoff, at.UTC().Format(time.RFC3339Nano), at,
	).Scan(&notified)
	if err == sql.ErrNoRows {
		return false, ErrUserSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark user session NEEDS_REAUTH: %w", err)
	}
	return notified, nil
}

// TouchLastUsed はlast_used_atを更新する。
func (r *PostgresUserSessionRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET last_used_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch user session: %w", err)
	}
	return nil
}

// Delete はキーでセッションを削除する。
func (r *PostgresUserSessionRepo) Delete(ctx context.Context, userID, site, domain string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE user_id = $1 AND site = $2 AND domain = $3`,
		userID, site, domain,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete user session: %w", err)
	}
	return affected(result)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ UserSessionRepository = (*PostgresUserSessionRepo)(nil)
