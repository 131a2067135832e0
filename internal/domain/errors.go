package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// The settlement error taxonomy. Callers match with errors.Is; each
// class has distinct propagation rules:
//
//   ErrValidation, ErrInsufficientFunds, ErrFraudBlocked — returned
//     synchronously, no state change.
//   ErrDuplicateReference — idempotent replay; the prior result is
//     returned instead, not a failure.
//   ErrInvalidState — a transition attempted from the wrong state,
//     a programming or race bug; logged loudly.
//   ErrExternalUnavailable — provider timeout/5xx; the outcome is
//     unknown, never assumed failed, resolved by reconciliation.

var (
	// Ledger errors
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrNotFound           = errors.New("record not found")
	ErrConflict           = errors.New("concurrent modification, retry")

	// State machine errors
	ErrInvalidState = errors.New("invalid state transition")
	ErrTaskInactive = errors.New("task is inactive")

	// Policy errors
	ErrValidation       = errors.New("validation failed")
	ErrFraudBlocked     = errors.New("blocked by fraud policy")
	ErrAccountSuspended = errors.New("account suspended")
	ErrRateLimited      = errors.New("rate limited")

	// Boundary errors
	ErrExternalUnavailable = errors.New("external provider unavailable")
)
