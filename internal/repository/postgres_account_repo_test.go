package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/loginkeeper/internal/model"
)

func TestNewPostgresAccountRepo_Initializes(t *testing.T) {
	if NewPostgresAccountRepo(nil) == nil {
		t.Fatal("expected non-nil repo")
	}
}

func newTestAccount(site, username string, priority int) *model.AccountConfig {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.AccountConfig{
		ID:   uuid.New().String(),
		Site: site,
		Credentials: model.AccountCredentials{
			Username:          username,
			EncryptedPassword: "iv:tag:data",
		},
		MFAKind:   model.MFAKindNone,
		Status:    model.AccountStatusOK,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresAccountRepo_CreateAndFind(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresAccountRepo(db)
	ctx := context.Background()

	a := newTestAccount("market", "bot@example.com", 10)
	a.MFAKind = model.MFAKindTOTP
	a.Credentials.EncryptedTOTPSecret = "iv:tag:totp"
	a.Credentials.OTPMailbox = &model.OTPMailbox{Address: "otp@example.com", EncryptedPassword: "iv:tag:mb", IMAPHost: "imap.example.com"}

	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, err := repo.FindByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected account, got nil")
	}
	if got.Credentials.Username != "bot@example.com" || got.MFAKind != model.MFAKindTOTP || got.Priority != 10 {
		t.Errorf("unexpected account: %+v", got)
	}
	if got.Credentials.OTPMailbox == nil || got.Credentials.OTPMailbox.IMAPHost != "imap.example.com" {
		t.Errorf("otp mailbox not restored: %+v", got.Credentials.OTPMailbox)
	}
	if got.LastSuccessAt != nil || got.LastFailureAt != nil {
		t.Error("timestamps should be nil for a new account")
	}

	missing, err := repo.FindByID(ctx, uuid.New().String())
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing account")
	}
}

func TestPostgresAccountRepo_CreateDuplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresAccountRepo(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestAccount("market", "dup@example.com", 0)); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	err := repo.Create(ctx, newTestAccount("market", "dup@example.com", 0))
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Errorf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestPostgresAccountRepo_RecordFailureAndSuccess(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresAccountRepo(db)
	ctx := context.Background()

	a := newTestAccount("market", "bot@example.com", 0)
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	at := time.Now().UTC()
	for i := 0; i < 2; i++ {
		if err := repo.RecordFailure(ctx, a.ID, model.AccountStatusDegraded, "login rejected", at); err != nil {
			t.Fatalf("RecordFailure returned error: %v", err)
		}
	}

	got, _ := repo.FindByID(ctx, a.ID)
	if got.ConsecutiveFailures != 2 || got.Status != model.AccountStatusDegraded || got.StatusMessage != "login rejected" {
		t.Errorf("unexpected state after failures: failures=%d status=%s msg=%q", got.ConsecutiveFailures, got.Status, got.StatusMessage)
	}
	if got.LastFailureAt == nil {
		t.Error("last_failure_at should be set")
	}

	if err := repo.RecordSuccess(ctx, a.ID, time.Now().UTC()); err != nil {
		t.Fatalf("RecordSuccess returned error: %v", err)
	}
	got, _ = repo.FindByID(ctx, a.ID)
	if got.ConsecutiveFailures != 0 || got.Status != model.AccountStatusOK || got.StatusMessage != "" || got.LastSuccessAt == nil {
		t.Errorf("unexpected state after success: %+v", got)
	}
}

func TestPostgresAccountRepo_DisabledStaysDisabled(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresAccountRepo(db)
	ctx := context.Background()

	a := newTestAccount("market", "bot@example.com", 0)
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if ok, err := repo.UpdateStatus(ctx, a.ID, model.AccountStatusDisabled, "operator"); err != nil || !ok {
		t.Fatalf("UpdateStatus = %v, %v", ok, err)
	}

	if err := repo.RecordSuccess(ctx, a.ID, time.Now().UTC()); err != nil {
		t.Fatalf("RecordSuccess returned error: %v", err)
	}
	got, _ := repo.FindByID(ctx, a.ID)
	if got.Status != model.AccountStatusDisabled {
		t.Errorf("status = %s, want DISABLED", got.Status)
	}

	if ok, err := repo.Reset(ctx, a.ID); err != nil || !ok {
		t.Fatalf("Reset = %v, %v", ok, err)
	}
	got, _ = repo.FindByID(ctx, a.ID)
	if got.Status != model.AccountStatusOK {
		t.Errorf("status after reset = %s, want OK", got.Status)
	}
}

func TestPostgresAccountRepo_ListCountDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresAccountRepo(db)
	ctx := context.Background()

	low := newTestAccount("market", "low@example.com", 1)
	high := newTestAccount("market", "high@example.com", 9)
	other := newTestAccount("auction", "a@example.com", 5)
	for _, a := range []*model.AccountConfig{low, high, other} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	market, err := repo.ListBySite(ctx, "market")
	if err != nil {
		t.Fatalf("ListBySite returned error: %v", err)
	}
	if len(market) != 2 || market[0].ID != high.ID {
		t.Errorf("expected 2 market accounts ordered by priority, got %d", len(market))
	}

	all, err := repo.ListBySite(ctx, "")
	if err != nil {
		t.Fatalf("ListBySite returned error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 accounts, got %d", len(all))
	}

	counts, err := repo.CountByStatus(ctx, "")
	if err != nil {
		t.Fatalf("CountByStatus returned error: %v", err)
	}
	if counts[model.AccountStatusOK] != 3 {
		t.Errorf("OK count = %d, want 3", counts[model.AccountStatusOK])
	}

	deleted, err := repo.Delete(ctx, low.ID)
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	deleted, err = repo.Delete(ctx, low.ID)
	if err != nil || deleted {
		t.Errorf("second Delete = %v, %v; want false, nil", deleted, err)
	}
}
