package domain

import "time"

// ─── Journal Entries ────────────────────────────────────────────────────────

// EntryType is the accounting side of a journal entry.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// EntryStatus records the outcome of a balance-affecting event.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntrySuccessful EntryStatus = "successful"
	EntryFailed     EntryStatus = "failed"
)

// RelatedKind names the domain record an entry settles against.
type RelatedKind string

const (
	RelatedHold       RelatedKind = "hold"
	RelatedTask       RelatedKind = "task"
	RelatedWithdrawal RelatedKind = "withdrawal"
	RelatedPayment    RelatedKind = "payment"
	RelatedVending    RelatedKind = "vending"
)

// Related points an entry at the record that caused it.
type Related struct {
	Kind RelatedKind `json:"kind"`
	ID   string      `json:"id"`
}

// Entry is one immutable row in the append-only transaction journal.
//
// Reference is globally unique and doubles as the idempotency key:
// replaying an operation with the same reference must return the prior
// entry without touching the balance again. Clients mint the reference
// before the first attempt so retries always name the same key.
type Entry struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	Type      EntryType   `json:"type"`
	Amount    int64       `json:"amount"`
	Reference string      `json:"reference"`
	Related   Related     `json:"related"`
	Status    EntryStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Validate checks the entry's structural rules.
func (e *Entry) Validate() error {
	if e.AccountID == "" {
		return ErrValidation
	}
	if e.Amount <= 0 {
		return ErrValidation
	}
	if e.Reference == "" {
		return ErrValidation
	}
	if e.Type != EntryCredit && e.Type != EntryDebit {
		return ErrValidation
	}
	return nil
}

// ─── Holds ──────────────────────────────────────────────────────────────────

// HoldStatus is the lifecycle state of a fund reservation.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldCaptured HoldStatus = "captured"
	HoldRefunded HoldStatus = "refunded"
	HoldExpired  HoldStatus = "expired"
)

// HoldPurpose names the pending external operation a hold backs.
type HoldPurpose string

const (
	PurposeWithdrawal        HoldPurpose = "withdrawal"
	PurposeVending           HoldPurpose = "vending"
	PurposeTaskRewardPending HoldPurpose = "task-reward-pending"
)

// Hold is a short-lived reservation that removes funds from spendable
// balance without finalizing their disposition. The amount is debited
// from the account in the same atomic unit that creates the hold and
// stays reserved until exactly one terminal transition wins: capture
// (funds written off) or refund (funds returned).
type Hold struct {
	ID                string      `json:"id"`
	AccountID         string      `json:"account_id"`
	Amount            int64       `json:"amount"`
	Purpose           HoldPurpose `json:"purpose"`
	ExternalReference string      `json:"external_reference"` // caller-supplied idempotency key, unique
	Status            HoldStatus  `json:"status"`
	Reason            string      `json:"reason,omitempty"` // set on refund
	ExpiresAt         time.Time   `json:"expires_at"`
	Metadata          string      `json:"metadata,omitempty"` // opaque JSON
	CreatedAt         time.Time   `json:"created_at"`
	ResolvedAt        time.Time   `json:"resolved_at,omitempty"`
}

// Terminal reports whether the hold has reached a final disposition.
func (h *Hold) Terminal() bool {
	return h.Status != HoldActive
}

// ExpiredAt reports whether the hold is past its TTL and still active.
func (h *Hold) ExpiredAt(now time.Time) bool {
	return h.Status == HoldActive && now.After(h.ExpiresAt)
}

// RefundReference derives the idempotency reference for refunding this
// hold. Deriving it from the hold ID keeps sweep and manual refund
// retries from double-crediting.
func (h *Hold) RefundReference() string {
	return "refund:" + h.ID
}
