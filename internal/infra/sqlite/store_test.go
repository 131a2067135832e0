package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Accounts ───────────────────────────────────────────────────────────────

func TestGetOrCreateAccount_Lazy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := db.Account(ctx, "acct-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Account() before creation error = %v, want ErrNotFound", err)
	}

	err := db.WithTx(ctx, func(tx *Tx) error {
		acct, err := tx.GetOrCreateAccount(ctx, "acct-1", now)
		if err != nil {
			return err
		}
		if acct.Balance != 0 || acct.Version != 0 {
			t.Errorf("fresh account = %+v, want zero balance and version", acct)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error: %v", err)
	}

	if _, err := db.Account(ctx, "acct-1"); err != nil {
		t.Errorf("Account() after creation error: %v", err)
	}
}

func TestUpdateAccountBalance_VersionConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	err := db.WithTx(ctx, func(tx *Tx) error {
		acct, err := tx.GetOrCreateAccount(ctx, "acct-1", now)
		if err != nil {
			return err
		}
		acct.Balance, acct.TotalCredited = 100, 100
		return tx.UpdateAccountBalance(ctx, acct, now)
	})
	if err != nil {
		t.Fatalf("first update error: %v", err)
	}

	// A stale version must be rejected.
	err = db.WithTx(ctx, func(tx *Tx) error {
		stale := domain.Account{ID: "acct-1", Balance: 500, TotalCredited: 500, Version: 0}
		return tx.UpdateAccountBalance(ctx, stale, now)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stale update error = %v, want ErrConflict", err)
	}
}

// ─── Journal ────────────────────────────────────────────────────────────────

func TestInsertEntry_DuplicateReference(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	entry := domain.Entry{
		ID: "e-1", AccountID: "acct-1", Type: domain.EntryCredit, Amount: 100,
		Reference: "ref-1", Status: domain.EntrySuccessful, CreatedAt: time.Now(),
	}
	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.InsertEntry(ctx, entry) }); err != nil {
		t.Fatalf("InsertEntry() error: %v", err)
	}

	dup := entry
	dup.ID = "e-2"
	err := db.WithTx(ctx, func(tx *Tx) error { return tx.InsertEntry(ctx, dup) })
	if !errors.Is(err, domain.ErrDuplicateReference) {
		t.Errorf("duplicate reference error = %v, want ErrDuplicateReference", err)
	}

	got, found, err := db.FindEntryByReference(ctx, "ref-1")
	if err != nil || !found {
		t.Fatalf("FindEntryByReference() = %v, %v", found, err)
	}
	if got.ID != "e-1" {
		t.Errorf("surviving entry ID = %q, want e-1", got.ID)
	}
}

// ─── Holds ──────────────────────────────────────────────────────────────────

func insertTestHold(t *testing.T, db *DB, h domain.Hold) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertHold(context.Background(), h)
	})
	if err != nil {
		t.Fatalf("InsertHold() error: %v", err)
	}
}

func TestTransitionHold_SingleWinner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	insertTestHold(t, db, domain.Hold{
		ID: "h-1", AccountID: "acct-1", Amount: 100, Purpose: domain.PurposeVending,
		ExternalReference: "ext-1", Status: domain.HoldActive,
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, Metadata: "{}",
	})

	var captureWon, refundWon bool
	db.WithTx(ctx, func(tx *Tx) error {
		captureWon, _ = tx.TransitionHold(ctx, "h-1", domain.HoldCaptured, "", now)
		return nil
	})
	db.WithTx(ctx, func(tx *Tx) error {
		refundWon, _ = tx.TransitionHold(ctx, "h-1", domain.HoldRefunded, "expired", now)
		return nil
	})

	if !captureWon {
		t.Error("first transition should win")
	}
	if refundWon {
		t.Error("second transition must lose: hold already terminal")
	}

	h, err := db.Hold(ctx, "h-1")
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != domain.HoldCaptured {
		t.Errorf("status = %q, want captured", h.Status)
	}
}

func TestExpiredActiveHolds(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	insertTestHold(t, db, domain.Hold{
		ID: "h-old", AccountID: "a", Amount: 10, Purpose: domain.PurposeVending,
		ExternalReference: "e1", Status: domain.HoldActive,
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour), Metadata: "{}",
	})
	insertTestHold(t, db, domain.Hold{
		ID: "h-live", AccountID: "a", Amount: 10, Purpose: domain.PurposeVending,
		ExternalReference: "e2", Status: domain.HoldActive,
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, Metadata: "{}",
	})

	expired, err := db.ExpiredActiveHolds(ctx, now, 10)
	if err != nil {
		t.Fatalf("ExpiredActiveHolds() error: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "h-old" {
		t.Errorf("expired = %+v, want only h-old", expired)
	}
}

// ─── Tasks & Completions ────────────────────────────────────────────────────

func TestRecordCompletion_DeactivatesAtMax(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := domain.Task{ID: "t-1", Action: domain.ActionFollow, Reward: 200,
		MaxCompletions: 1, Active: true, CreatedAt: time.Now()}
	if err := db.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask() error: %v", err)
	}

	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.RecordCompletion(ctx, "t-1") }); err != nil {
		t.Fatalf("RecordCompletion() error: %v", err)
	}

	got, err := db.Task(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("task should deactivate when completed count reaches max")
	}
	if got.CompletedCount != 1 {
		t.Errorf("completed count = %d, want 1", got.CompletedCount)
	}

	err = db.WithTx(ctx, func(tx *Tx) error { return tx.RecordCompletion(ctx, "t-1") })
	if !errors.Is(err, domain.ErrTaskInactive) {
		t.Errorf("completion on inactive task error = %v, want ErrTaskInactive", err)
	}
}

func TestReleaseCompletion_Reactivates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := domain.Task{ID: "t-1", Action: domain.ActionLike, Reward: 100,
		MaxCompletions: 1, Active: true, CreatedAt: time.Now()}
	db.InsertTask(ctx, task)
	db.WithTx(ctx, func(tx *Tx) error { return tx.RecordCompletion(ctx, "t-1") })

	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.ReleaseCompletion(ctx, "t-1") }); err != nil {
		t.Fatalf("ReleaseCompletion() error: %v", err)
	}
	got, _ := db.Task(ctx, "t-1")
	if !got.Active || got.CompletedCount != 0 {
		t.Errorf("task after release = %+v, want active with count 0", got)
	}
}

func TestUpsertCompletion_UniquePerPair(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	c := domain.TaskCompletion{ID: "c-1", TaskID: "t-1", AccountID: "a-1",
		Status: domain.CompletionPending, CreatedAt: now}
	db.WithTx(ctx, func(tx *Tx) error { return tx.UpsertCompletion(ctx, c) })

	c.Status = domain.CompletionRewarded
	db.WithTx(ctx, func(tx *Tx) error { return tx.UpsertCompletion(ctx, c) })

	got, found, err := db.FindCompletion(ctx, "t-1", "a-1")
	if err != nil || !found {
		t.Fatalf("FindCompletion() = %v, %v", found, err)
	}
	if got.Status != domain.CompletionRewarded {
		t.Errorf("status = %q, want rewarded", got.Status)
	}
}

// ─── Withdrawals ────────────────────────────────────────────────────────────

func TestWithdrawnInWindow_ExcludesFailed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	insert := func(id, ref string, amount int64, status domain.WithdrawalStatus) {
		err := db.WithTx(ctx, func(tx *Tx) error {
			return tx.InsertWithdrawal(ctx, domain.WithdrawalRequest{
				ID: id, AccountID: "a-1", Amount: amount,
				Destination: domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
				Reference:   ref, Status: status, CreatedAt: now, UpdatedAt: now,
			})
		})
		if err != nil {
			t.Fatalf("InsertWithdrawal(%s) error: %v", id, err)
		}
	}
	insert("w-1", "r-1", 500, domain.WithdrawalProcessing)
	insert("w-2", "r-2", 300, domain.WithdrawalCompleted)
	insert("w-3", "r-3", 900, domain.WithdrawalFailed)
	insert("w-4", "r-4", 250, domain.WithdrawalDenied)

	total, err := db.WithdrawnInWindow(ctx, "a-1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("WithdrawnInWindow() error: %v", err)
	}
	if total != 800 {
		t.Errorf("window total = %d, want 800 (processing+completed only)", total)
	}
}
