// Package domain contains the pure business types of the ledger and
// settlement core. It has zero infrastructure imports — persistence,
// transport, and providers all live behind interfaces defined here.
package domain

import (
	"errors"
	"time"
)

// ─── Account ────────────────────────────────────────────────────────────────

// Account is the versioned balance record for one user wallet.
// All amounts are integer minor currency units (e.g. kobo, cents) —
// integer arithmetic keeps the ledger exact.
//
// The spendable balance invariant:
//
//	Balance == TotalCredited − TotalDebited
//
// Hold reservations are journaled as debits the instant the hold is
// created, so active holds are already reflected in TotalDebited and
// Balance is always the spendable amount. Balance never goes negative.
type Account struct {
	ID                string    `json:"id"`
	Balance           int64     `json:"balance"`
	TotalCredited     int64     `json:"total_credited"`
	TotalDebited      int64     `json:"total_debited"`
	Version           int64     `json:"version"` // monotonic, optimistic concurrency
	FraudScore        int       `json:"fraud_score"`
	Suspended         bool      `json:"suspended"`
	EmailVerified     bool      `json:"email_verified"`
	ReferralCount     int       `json:"referral_count"`
	CreatedAt         time.Time `json:"created_at"`
	LastTransactionAt time.Time `json:"last_transaction_at"`
}

// CheckInvariant verifies the balance equation. A violation means the
// store was mutated outside the ledger primitives.
func (a *Account) CheckInvariant() error {
	if a.Balance < 0 {
		return errors.New("account balance is negative")
	}
	if a.Balance != a.TotalCredited-a.TotalDebited {
		return errors.New("balance does not equal credited minus debited")
	}
	return nil
}

// AgeDays returns the account age in whole days at the given instant.
func (a *Account) AgeDays(now time.Time) int {
	if a.CreatedAt.IsZero() || now.Before(a.CreatedAt) {
		return 0
	}
	return int(now.Sub(a.CreatedAt).Hours() / 24)
}
