package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stipend-network/stipend/internal/app/hold"
	"github.com/stipend-network/stipend/internal/app/ledger"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// ─── Vending Settlement ─────────────────────────────────────────────────────
// initiated → sent → {success | failed | unknown}. The provider call
// is synchronous and its failure response is authoritative, so a
// failure auto-refunds immediately — unlike withdrawals. A timeout is
// an unknown outcome: the hold stays reserved and only the
// reconciliation poller may settle the order.

// VendRequest is the caller's purchase intent.
type VendRequest struct {
	AccountID string
	Amount    int64
	Item      string
	Reference string
}

// Purchase settles a vending order end to end: reserve, call the
// provider, capture or refund. Replaying a reference returns the
// existing order.
func (s *Service) Purchase(ctx context.Context, req VendRequest) (domain.VendingOrder, error) {
	if prior, found, err := s.store.FindVendingByReference(ctx, req.Reference); err != nil {
		return domain.VendingOrder{}, err
	} else if found {
		return prior, nil
	}
	if req.AccountID == "" || req.Amount <= 0 || req.Item == "" || req.Reference == "" {
		return domain.VendingOrder{}, fmt.Errorf("%w: account, item, positive amount and reference required", domain.ErrValidation)
	}
	if _, err := s.suspendedGuard(ctx, req.AccountID); err != nil {
		return domain.VendingOrder{}, err
	}

	now := s.now()
	order := domain.VendingOrder{
		ID:        uuid.New().String(),
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Item:      req.Item,
		Reference: req.Reference,
		Status:    domain.VendingInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var held domain.Hold
	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		var err error
		held, err = s.holds.CreateTx(ctx, tx, hold.CreateRequest{
			AccountID: req.AccountID,
			Amount:    req.Amount,
			Purpose:   domain.PurposeVending,
			Reference: req.Reference,
			TTL:       s.cfg.VendingTTL,
		})
		if err != nil {
			return err
		}
		order.HoldID = held.ID
		return tx.InsertVendingOrder(ctx, order)
	})
	if errors.Is(err, domain.ErrDuplicateReference) {
		if prior, found, ferr := s.store.FindVendingByReference(ctx, req.Reference); ferr == nil && found {
			return prior, nil
		}
		return domain.VendingOrder{}, err
	}
	if err != nil {
		return domain.VendingOrder{}, err
	}
	s.holds.Schedule(held)

	if err := s.transitionVending(ctx, order.ID, domain.VendingInitiated, domain.VendingSent, ""); err != nil {
		return domain.VendingOrder{}, err
	}
	order.Status = domain.VendingSent

	start := time.Now()
	vctx, cancel := s.providerCtx(ctx)
	result, err := s.vendor.Vend(vctx, req.Reference, req.Item, req.Amount)
	cancel()
	observability.ProviderLatency.WithLabelValues("vending", "vend").Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		// Timeout or transport error after the money moved into the
		// hold: the goods may or may not have been delivered. Park the
		// order as unknown; only the poller settles it.
		log.Printf("settlement: vend %s outcome unknown: %v", order.ID, err)
		if terr := s.transitionVending(ctx, order.ID, domain.VendingSent, domain.VendingUnknown, "provider unreachable"); terr != nil {
			return domain.VendingOrder{}, terr
		}
		order.Status = domain.VendingUnknown
		observability.VendingOrders.WithLabelValues("unknown").Inc()
		return order, nil

	case result.Outcome == domain.OutcomeSuccess:
		if err := s.settleVending(ctx, &order, true, ""); err != nil {
			return domain.VendingOrder{}, err
		}
		return order, nil

	case result.Outcome == domain.OutcomeFailure:
		if err := s.settleVending(ctx, &order, false, "provider rejected vend"); err != nil {
			return domain.VendingOrder{}, err
		}
		return order, nil

	default: // pending
		if terr := s.transitionVending(ctx, order.ID, domain.VendingSent, domain.VendingUnknown, "provider pending"); terr != nil {
			return domain.VendingOrder{}, terr
		}
		order.Status = domain.VendingUnknown
		observability.VendingOrders.WithLabelValues("unknown").Inc()
		return order, nil
	}
}

// settleVending applies the authoritative outcome: capture on success,
// refund on failure, plus the matching order transition in one unit.
func (s *Service) settleVending(ctx context.Context, order *domain.VendingOrder, success bool, reason string) error {
	to := domain.VendingFailed
	if success {
		to = domain.VendingSuccess
	}
	from := order.Status

	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		won, err := tx.TransitionVending(ctx, order.ID, from, to, reason, s.now())
		if err != nil {
			return err
		}
		if !won {
			return nil // already settled elsewhere
		}
		if success {
			_, err = s.holds.CaptureTx(ctx, tx, order.HoldID)
		} else {
			_, err = s.holds.RefundTx(ctx, tx, order.HoldID, reason)
		}
		return err
	})
	if err != nil {
		return err
	}
	s.holds.Forget(order.HoldID)
	order.Status = to
	order.FailureReason = reason
	observability.VendingOrders.WithLabelValues(string(to)).Inc()
	event := "vending.failed"
	if success {
		event = "vending.success"
	}
	s.notify(domain.Notification{
		Event: event, AccountID: order.AccountID,
		Reference: order.Reference, Amount: order.Amount, Detail: reason,
	})
	return nil
}

func (s *Service) transitionVending(ctx context.Context, id string, from, to domain.VendingStatus, reason string) error {
	return ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		won, err := tx.TransitionVending(ctx, id, from, to, reason, s.now())
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: vending %s not in %s", domain.ErrInvalidState, id, from)
		}
		return nil
	})
}

// ResolveVending settles an unknown-outcome order from the provider's
// authoritative transaction state. Poller and webhook entry point.
func (s *Service) ResolveVending(ctx context.Context, order domain.VendingOrder, outcome domain.Outcome) error {
	if order.Status != domain.VendingUnknown && order.Status != domain.VendingSent {
		return nil
	}
	switch outcome {
	case domain.OutcomeSuccess:
		return s.settleVending(ctx, &order, true, "")
	case domain.OutcomeFailure:
		return s.settleVending(ctx, &order, false, "provider reported vend failed")
	default:
		return nil
	}
}
