// Package hold manages fund reservations. A hold debits the account
// the moment it is created, so the reserved amount never shows as
// spendable; resolution either writes the funds off (capture) or
// credits them back (refund). Exactly one terminal transition wins,
// enforced by a guarded status update in the store.
package hold

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stipend-network/stipend/internal/app/ledger"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/dsa"
	"github.com/stipend-network/stipend/internal/infra/observability"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// DefaultTTL applies when a create request does not set one.
const DefaultTTL = 48 * time.Hour

// Manager owns the hold lifecycle. The expiry index is a scheduling
// hint only; the store remains authoritative and the sweep always
// re-reads expired rows from it.
type Manager struct {
	store *sqlite.DB
	index *dsa.ExpiryIndex
	now   func() time.Time
}

// NewManager creates a hold manager.
func NewManager(store *sqlite.DB) *Manager {
	return &Manager{
		store: store,
		index: dsa.NewExpiryIndex(),
		now:   time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// NextExpiry returns the earliest scheduled hold deadline, for the
// sweep loop to size its sleep.
func (m *Manager) NextExpiry() (time.Time, bool) { return m.index.NextAfter() }

// RebuildIndex reloads the expiry index from active holds. Called once
// at startup.
func (m *Manager) RebuildIndex(ctx context.Context) error {
	holds, err := m.store.OpenHolds(ctx, 0)
	if err != nil {
		return err
	}
	for _, h := range holds {
		m.index.Add(h.ID, h.ExpiresAt)
	}
	return nil
}

// CreateRequest describes a new reservation. Reference is the caller's
// idempotency key; replaying the same reference returns the original
// hold.
type CreateRequest struct {
	AccountID string
	Amount    int64
	Purpose   domain.HoldPurpose
	Reference string
	TTL       time.Duration
	Metadata  string
}

// CreateTx reserves funds inside an existing store transaction. The
// debit and the hold row land in one atomic unit, so a hold can never
// exist without its funds removed from spendable balance. The caller
// must call Schedule with the returned hold after the transaction
// commits.
func (m *Manager) CreateTx(ctx context.Context, tx *sqlite.Tx, req CreateRequest) (domain.Hold, error) {
	if req.AccountID == "" || req.Amount <= 0 || req.Reference == "" {
		return domain.Hold{}, fmt.Errorf("%w: account, positive amount and reference required", domain.ErrValidation)
	}
	if req.TTL <= 0 {
		req.TTL = DefaultTTL
	}
	now := m.now()

	prior, found, err := tx.FindHoldByReference(ctx, req.Reference)
	if err != nil {
		return domain.Hold{}, err
	}
	if found {
		if prior.AccountID != req.AccountID || prior.Amount != req.Amount || prior.Purpose != req.Purpose {
			return domain.Hold{}, fmt.Errorf("%w: hold reference %q reused with different request", domain.ErrValidation, req.Reference)
		}
		return prior, nil
	}

	h := domain.Hold{
		ID:                uuid.New().String(),
		AccountID:         req.AccountID,
		Amount:            req.Amount,
		Purpose:           req.Purpose,
		ExternalReference: req.Reference,
		Status:            domain.HoldActive,
		ExpiresAt:         now.Add(req.TTL),
		Metadata:          req.Metadata,
		CreatedAt:         now,
	}
	if _, _, err := ledger.DebitTx(ctx, tx, now, req.AccountID, req.Amount,
		"hold:"+req.Reference, domain.Related{Kind: domain.RelatedHold, ID: h.ID}); err != nil {
		return domain.Hold{}, err
	}
	if err := tx.InsertHold(ctx, h); err != nil {
		return domain.Hold{}, err
	}
	return h, nil
}

// Forget drops a hold from the expiry index after an out-of-band
// terminal transition committed.
func (m *Manager) Forget(id string) { m.index.Remove(id) }

// Schedule registers a committed hold with the expiry index.
func (m *Manager) Schedule(h domain.Hold) {
	if h.Status == domain.HoldActive {
		m.index.Add(h.ID, h.ExpiresAt)
	}
}

// Create reserves funds in its own transaction.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (domain.Hold, error) {
	var out domain.Hold
	err := ledger.RunAtomic(ctx, m.store, func(tx *sqlite.Tx) error {
		var err error
		out, err = m.CreateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Hold{}, err
	}
	m.Schedule(out)
	return out, nil
}

// Capture finalizes a hold as spent. The funds were already debited at
// creation, so capture touches no balance. Replaying a capture on an
// already-captured hold succeeds idempotently; any other terminal
// state is a conflict.
func (m *Manager) Capture(ctx context.Context, id string) (domain.Hold, error) {
	return m.resolve(ctx, id, domain.HoldCaptured, "", false)
}

// Refund releases a hold and credits the reserved amount back. The
// refund reference derives from the hold ID, so retries never
// double-credit.
func (m *Manager) Refund(ctx context.Context, id, reason string) (domain.Hold, error) {
	return m.resolve(ctx, id, domain.HoldRefunded, reason, true)
}

// CaptureTx finalizes a hold as spent inside an existing transaction.
func (m *Manager) CaptureTx(ctx context.Context, tx *sqlite.Tx, id string) (domain.Hold, error) {
	return m.resolveTx(ctx, tx, id, domain.HoldCaptured, "", false)
}

// RefundTx releases a hold inside an existing transaction.
func (m *Manager) RefundTx(ctx context.Context, tx *sqlite.Tx, id, reason string) (domain.Hold, error) {
	return m.resolveTx(ctx, tx, id, domain.HoldRefunded, reason, true)
}

func (m *Manager) resolveTx(ctx context.Context, tx *sqlite.Tx, id string, to domain.HoldStatus, reason string, credit bool) (domain.Hold, error) {
	h, err := tx.Hold(ctx, id)
	if err != nil {
		return domain.Hold{}, err
	}
	won, err := tx.TransitionHold(ctx, id, to, reason, m.now())
	if err != nil {
		return domain.Hold{}, err
	}
	if !won {
		// The hold was already terminal. Replay of the same transition
		// is fine; a different disposition is not.
		if h.Status == to {
			return h, nil
		}
		return domain.Hold{}, fmt.Errorf("%w: hold %s already %s", domain.ErrInvalidState, id, h.Status)
	}
	if credit {
		if _, _, err := ledger.CreditTx(ctx, tx, m.now(), h.AccountID, h.Amount,
			h.RefundReference(), domain.Related{Kind: domain.RelatedHold, ID: h.ID}); err != nil {
			return domain.Hold{}, err
		}
	}
	h.Status = to
	h.Reason = reason
	h.ResolvedAt = m.now()
	return h, nil
}

func (m *Manager) resolve(ctx context.Context, id string, to domain.HoldStatus, reason string, credit bool) (domain.Hold, error) {
	var out domain.Hold
	err := ledger.RunAtomic(ctx, m.store, func(tx *sqlite.Tx) error {
		var err error
		out, err = m.resolveTx(ctx, tx, id, to, reason, credit)
		return err
	})
	if err != nil {
		return domain.Hold{}, err
	}
	m.index.Remove(id)
	observability.HoldsResolved.WithLabelValues(string(to)).Inc()
	return out, nil
}

// SweepExpired refunds every active hold past its TTL and returns the
// number swept. Safe to run concurrently with captures: the guarded
// transition makes one of the two a no-op.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := m.now()
	m.index.PopDue(now) // drain hints; the store query below is authoritative

	expired, err := m.store.ExpiredActiveHolds(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, h := range expired {
		err := ledger.RunAtomic(ctx, m.store, func(tx *sqlite.Tx) error {
			won, err := tx.TransitionHold(ctx, h.ID, domain.HoldExpired, "ttl elapsed", now)
			if err != nil {
				return err
			}
			if !won {
				return nil // resolved out from under the sweep
			}
			_, _, err = ledger.CreditTx(ctx, tx, now, h.AccountID, h.Amount,
				h.RefundReference(), domain.Related{Kind: domain.RelatedHold, ID: h.ID})
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return swept, err
			}
			log.Printf("hold sweep: refund %s: %v", h.ID, err)
			continue
		}
		m.index.Remove(h.ID)
		swept++
	}
	if swept > 0 {
		observability.HoldsSwept.Add(float64(swept))
		observability.HoldsResolved.WithLabelValues(string(domain.HoldExpired)).Add(float64(swept))
	}
	return swept, nil
}

// Get returns a hold by ID.
func (m *Manager) Get(ctx context.Context, id string) (domain.Hold, error) {
	return m.store.Hold(ctx, id)
}
