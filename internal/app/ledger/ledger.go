// Package ledger implements the atomic balance primitives. Credit and
// Debit are the only operations allowed to mutate an account balance,
// and each appends exactly one journal entry in the same transactional
// scope as the balance write — partial application is impossible.
//
// Both primitives are idempotent by reference: replaying an operation
// whose reference already exists as a successful entry returns the
// prior entry without touching the balance, which is how webhook and
// job retries are absorbed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// maxRetries bounds optimistic-concurrency retries per operation.
const maxRetries = 5

// CreditTx applies a credit inside an existing store transaction.
// Returns the journal entry and replayed=true when the reference was
// already settled.
func CreditTx(ctx context.Context, tx *sqlite.Tx, now time.Time, accountID string, amount int64, reference string, related domain.Related) (domain.Entry, bool, error) {
	return apply(ctx, tx, now, domain.EntryCredit, accountID, amount, reference, related)
}

// DebitTx applies a debit inside an existing store transaction. Fails
// with ErrInsufficientFunds when the spendable balance is short.
func DebitTx(ctx context.Context, tx *sqlite.Tx, now time.Time, accountID string, amount int64, reference string, related domain.Related) (domain.Entry, bool, error) {
	return apply(ctx, tx, now, domain.EntryDebit, accountID, amount, reference, related)
}

func apply(ctx context.Context, tx *sqlite.Tx, now time.Time, typ domain.EntryType, accountID string, amount int64, reference string, related domain.Related) (domain.Entry, bool, error) {
	entry := domain.Entry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		Related:   related,
		Status:    domain.EntrySuccessful,
		CreatedAt: now,
	}
	if err := entry.Validate(); err != nil {
		return domain.Entry{}, false, err
	}

	// Reference dedup: a replay returns the prior result, a reuse with
	// a different request is a caller bug.
	if prior, found, err := tx.FindEntryByReference(ctx, reference); err != nil {
		return domain.Entry{}, false, err
	} else if found {
		if prior.AccountID != accountID || prior.Type != typ || prior.Amount != amount {
			return domain.Entry{}, false, fmt.Errorf("%w: reference %q reused with different request", domain.ErrValidation, reference)
		}
		observability.LedgerReplays.Inc()
		return prior, true, nil
	}

	acct, err := tx.GetOrCreateAccount(ctx, accountID, now)
	if err != nil {
		return domain.Entry{}, false, err
	}

	switch typ {
	case domain.EntryCredit:
		acct.Balance += amount
		acct.TotalCredited += amount
	case domain.EntryDebit:
		if acct.Balance < amount {
			observability.LedgerRejections.Inc()
			return domain.Entry{}, false, domain.ErrInsufficientFunds
		}
		acct.Balance -= amount
		acct.TotalDebited += amount
	}

	if err := tx.UpdateAccountBalance(ctx, acct, now); err != nil {
		return domain.Entry{}, false, err
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		// A concurrent writer won the reference race after our lookup;
		// the transaction rolls back and the caller retries into the
		// replay path.
		return domain.Entry{}, false, err
	}
	observability.LedgerEntries.WithLabelValues(string(typ)).Inc()
	return entry, false, nil
}

// RunAtomic runs fn in a store transaction, retrying the whole unit on
// optimistic version conflicts. fn must be safe to re-run from scratch.
func RunAtomic(ctx context.Context, store *sqlite.DB, fn func(tx *sqlite.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return err
}

// ─── Service ────────────────────────────────────────────────────────────────

// Service exposes the standalone credit/debit operations. Settlement
// machines that need a balance mutation inside a larger atomic unit
// use CreditTx/DebitTx with their own transaction instead.
type Service struct {
	store *sqlite.DB
	now   func() time.Time
}

// New creates a ledger service.
func New(store *sqlite.DB) *Service {
	return &Service{store: store, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Credit adds amount to the account's spendable balance.
func (s *Service) Credit(ctx context.Context, accountID string, amount int64, reference string, related domain.Related) (domain.Entry, error) {
	return s.run(ctx, domain.EntryCredit, accountID, amount, reference, related)
}

// Debit removes amount from the account's spendable balance.
func (s *Service) Debit(ctx context.Context, accountID string, amount int64, reference string, related domain.Related) (domain.Entry, error) {
	return s.run(ctx, domain.EntryDebit, accountID, amount, reference, related)
}

func (s *Service) run(ctx context.Context, typ domain.EntryType, accountID string, amount int64, reference string, related domain.Related) (domain.Entry, error) {
	var entry domain.Entry
	err := RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		var err error
		entry, _, err = apply(ctx, tx, s.now(), typ, accountID, amount, reference, related)
		return err
	})
	return entry, err
}

// Balance returns the account's spendable balance.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.store.Account(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}
