package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/loginkeeper/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, site, username, encrypted_password, encrypted_totp_secret,
	otp_mailbox_address, otp_mailbox_encrypted_password, otp_mailbox_imap_host,
	mfa_kind, status, priority, consecutive_failures, last_success_at, last_failure_at,
	status_message, created_at, updated_at`

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, a *model.AccountConfig) error {
	var mailboxAddress, mailboxPassword, mailboxHost string
	if mb := a.Credentials.OTPMailbox; mb != nil {
		mailboxAddress, mailboxPassword, mailboxHost = mb.Address, mb.EncryptedPassword, mb.IMAPHost
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, site, username, encrypted_password, encrypted_totp_secret,
			otp_mailbox_address, otp_mailbox_encrypted_password, otp_mailbox_imap_host,
			mfa_kind, status, priority, status_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Site, a.Credentials.Username, a.Credentials.EncryptedPassword, a.Credentials.EncryptedTOTPSecret,
		mailboxAddress, mailboxPassword, mailboxHost,
		string(a.MFAKind), string(a.Status), a.Priority, a.StatusMessage, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.AccountConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

// ListBySite はサイトのアカウント一覧をpriority降順で返す。
func (r *PostgresAccountRepo) ListBySite(ctx context.Context, site string) ([]*model.AccountConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE $1 = '' OR site = $1
		 ORDER BY site, priority DESC, consecutive_failures, created_at`,
		site,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.AccountConfig
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// Delete は指定IDのアカウントを削除する。
func (r *PostgresAccountRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete account: %w", err)
	}
	return affected(result)
}

// RecordSuccess は認証成功を記録する。
func (r *PostgresAccountRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET
			consecutive_failures = 0,
			last_success_at = $2,
			status = CASE WHEN status = 'DISABLED' THEN status ELSE 'OK' END,
			status_message = '',
			updated_at = $2
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record account success: %w", err)
	}
	return nil
}

// RecordFailure は認証失敗を記録する。
func (r *PostgresAccountRepo) RecordFailure(ctx context.Context, id string, status model.AccountStatus, message string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = $2,
			status = CASE WHEN status = 'DISABLED' THEN status ELSE $3 END,
			status_message = $4,
			updated_at = $2
		 WHERE id = $1`,
		id, at, string(status), message,
	)
	if err != nil {
		return fmt.Errorf("failed to record account failure: %w", err)
	}
	return nil
}

// UpdateStatus はstatusとstatus_messageを更新する。
func (r *PostgresAccountRepo) UpdateStatus(ctx context.Context, id string, status model.AccountStatus, message string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = $2, status_message = $3, updated_at = now() WHERE id = $1`,
		id, string(status), message,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update account status: %w", err)
	}
	return affected(result)
}

// Reset はアカウントを初期状態に戻す。
func (r *PostgresAccountRepo) Reset(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = 'OK', consecutive_failures = 0, status_message = '', updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reset account: %w", err)
	}
	return affected(result)
}

// CountByStatus はstatusごとのアカウント数を返す。
func (r *PostgresAccountRepo) CountByStatus(ctx context.Context, site string) (map[model.AccountStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM accounts WHERE $1 = '' OR site = $1 GROUP BY status`,
		site,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.AccountStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan account count: %w", err)
		}
		counts[model.AccountStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account counts: %w", err)
	}
	return counts, nil
}

// rowScanner は*sql.Rowと*sql.Rowsに共通のScanメソッド。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*model.AccountConfig, error) {
	a := &model.AccountConfig{}
	var mfaKind, status string
	var mailboxAddress, mailboxPassword, mailboxHost string
	var lastSuccess, lastFailure sql.NullTime

	err := s.Scan(
		&a.ID, &a.Site, &a.Credentials.Username, &a.Credentials.EncryptedPassword, &a.Credentials.EncryptedTOTPSecret,
		&mailboxAddress, &mailboxPassword, &mailboxHost,
		&mfaKind, &status, &a.Priority, &a.ConsecutiveFailures, &lastSuccess, &lastFailure,
		&a.StatusMessage, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.MFAKind = model.MFAKind(mfaKind)
	a.Status = model.AccountStatus(status)
	if mailboxAddress != "" {
		a.Credentials.OTPMailbox = &model.OTPMailbox{
			Address:           mailboxAddress,
			EncryptedPassword: mailboxPassword,
			IMAPHost:          mailboxHost,
		}
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		a.LastSuccessAt = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		a.LastFailureAt = &t
	}
	return a, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
