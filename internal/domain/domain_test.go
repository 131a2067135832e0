package domain

import (
	"testing"
	"time"
)

// ─── Account ────────────────────────────────────────────────────────────────

func TestAccount_CheckInvariant(t *testing.T) {
	acct := Account{Balance: 300, TotalCredited: 500, TotalDebited: 200}
	if err := acct.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant() error: %v", err)
	}
}

func TestAccount_CheckInvariant_Negative(t *testing.T) {
	acct := Account{Balance: -1, TotalCredited: 0, TotalDebited: 1}
	if err := acct.CheckInvariant(); err == nil {
		t.Error("negative balance should violate the invariant")
	}
}

func TestAccount_CheckInvariant_Mismatch(t *testing.T) {
	acct := Account{Balance: 100, TotalCredited: 500, TotalDebited: 200}
	if err := acct.CheckInvariant(); err == nil {
		t.Error("balance != credited-debited should violate the invariant")
	}
}

func TestAccount_AgeDays(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	acct := Account{CreatedAt: now.Add(-49 * time.Hour)}
	if got := acct.AgeDays(now); got != 2 {
		t.Errorf("AgeDays() = %d, want 2", got)
	}
	fresh := Account{CreatedAt: now.Add(time.Hour)}
	if got := fresh.AgeDays(now); got != 0 {
		t.Errorf("AgeDays() for future creation = %d, want 0", got)
	}
}

// ─── Entries ────────────────────────────────────────────────────────────────

func TestEntry_Validate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"valid credit", Entry{AccountID: "a", Type: EntryCredit, Amount: 100, Reference: "r1"}, false},
		{"valid debit", Entry{AccountID: "a", Type: EntryDebit, Amount: 1, Reference: "r2"}, false},
		{"zero amount", Entry{AccountID: "a", Type: EntryCredit, Amount: 0, Reference: "r"}, true},
		{"negative amount", Entry{AccountID: "a", Type: EntryDebit, Amount: -5, Reference: "r"}, true},
		{"missing reference", Entry{AccountID: "a", Type: EntryCredit, Amount: 10}, true},
		{"missing account", Entry{Type: EntryCredit, Amount: 10, Reference: "r"}, true},
		{"bad type", Entry{AccountID: "a", Type: "transfer", Amount: 10, Reference: "r"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ─── Holds ──────────────────────────────────────────────────────────────────

func TestHold_Terminal(t *testing.T) {
	for _, st := range []HoldStatus{HoldCaptured, HoldRefunded, HoldExpired} {
		h := Hold{Status: st}
		if !h.Terminal() {
			t.Errorf("Terminal() for %q = false, want true", st)
		}
	}
	h := Hold{Status: HoldActive}
	if h.Terminal() {
		t.Error("active hold should not be terminal")
	}
}

func TestHold_ExpiredAt(t *testing.T) {
	now := time.Now()
	h := Hold{Status: HoldActive, ExpiresAt: now.Add(-time.Minute)}
	if !h.ExpiredAt(now) {
		t.Error("active hold past expiry should report expired")
	}
	captured := Hold{Status: HoldCaptured, ExpiresAt: now.Add(-time.Minute)}
	if captured.ExpiredAt(now) {
		t.Error("captured hold must never report expired")
	}
}

func TestHold_RefundReference_Stable(t *testing.T) {
	h := Hold{ID: "h-1"}
	if h.RefundReference() != h.RefundReference() {
		t.Error("refund reference must be deterministic")
	}
	if h.RefundReference() != "refund:h-1" {
		t.Errorf("RefundReference() = %q", h.RefundReference())
	}
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func TestTask_HasCapacity(t *testing.T) {
	unlimited := Task{MaxCompletions: 0, CompletedCount: 9999}
	if !unlimited.HasCapacity() {
		t.Error("unlimited task should always have capacity")
	}
	full := Task{MaxCompletions: 3, CompletedCount: 3}
	if full.HasCapacity() {
		t.Error("full task should have no capacity")
	}
	open := Task{MaxCompletions: 3, CompletedCount: 2}
	if !open.HasCapacity() {
		t.Error("task below max should have capacity")
	}
}
