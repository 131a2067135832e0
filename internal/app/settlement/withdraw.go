package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/stipend-network/stipend/internal/app/fraud"
	"github.com/stipend-network/stipend/internal/app/hold"
	"github.com/stipend-network/stipend/internal/app/ledger"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// ─── Withdrawal Settlement ──────────────────────────────────────────────────
// pending_review → processing → {completed | failed}, or straight to
// processing when the risk score clears. Funds move into a hold at the
// processing transition; the external transfer runs out of band after
// the caller already got its response.
//
// Transfer failures never auto-refund: the hold stays active for human
// reconciliation, because the provider's failure response may itself
// be wrong and a reflexive refund risks a double payout.

var destAccountRe = regexp.MustCompile(`^[0-9]{6,20}$`)

// WithdrawRequest is the caller's withdrawal intent. Reference is the
// idempotency key minted before the first attempt. PinConfirmed is set
// by the auth layer once the caller's transaction PIN has checked out;
// the core never sees the PIN itself.
type WithdrawRequest struct {
	AccountID    string
	Amount       int64
	Destination  domain.Destination
	Reference    string
	PinConfirmed bool
}

func (s *Service) validateWithdraw(req WithdrawRequest) error {
	if req.AccountID == "" || req.Reference == "" {
		return fmt.Errorf("%w: account and reference required", domain.ErrValidation)
	}
	if !req.PinConfirmed {
		return fmt.Errorf("%w: transaction PIN not confirmed", domain.ErrValidation)
	}
	if req.Amount < s.cfg.MinWithdrawal || req.Amount > s.cfg.MaxWithdrawal {
		return fmt.Errorf("%w: amount outside [%d, %d]", domain.ErrValidation, s.cfg.MinWithdrawal, s.cfg.MaxWithdrawal)
	}
	if !destAccountRe.MatchString(req.Destination.AccountNumber) || req.Destination.BankCode == "" {
		return fmt.Errorf("%w: malformed destination", domain.ErrValidation)
	}
	return nil
}

// RequestWithdrawal runs the synchronous half of a withdrawal. The
// returned request is either pending_review (no funds touched) or
// processing (funds held); in the processing case the caller is
// expected to start the transfer with StartTransfer.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawRequest) (domain.WithdrawalRequest, error) {
	if prior, found, err := s.store.FindWithdrawalByReference(ctx, req.Reference); err != nil {
		return domain.WithdrawalRequest{}, err
	} else if found {
		return prior, nil
	}
	if err := s.validateWithdraw(req); err != nil {
		return domain.WithdrawalRequest{}, err
	}

	acct, err := s.suspendedGuard(ctx, req.AccountID)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if !acct.EmailVerified {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: identity not verified", domain.ErrValidation)
	}

	now := s.now()
	windowTotal, err := s.store.WithdrawnInWindow(ctx, req.AccountID, now.Add(-24*time.Hour))
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if windowTotal+req.Amount > s.cfg.DailyWithdrawalLimit {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: daily withdrawal limit exceeded", domain.ErrValidation)
	}

	snap, err := s.store.RiskSnapshot(ctx, req.AccountID, now)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	score, indicators := fraud.Score(snap)

	w := domain.WithdrawalRequest{
		ID:          uuid.New().String(),
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Destination: req.Destination,
		Reference:   req.Reference,
		RiskScore:   score,
		RiskFactors: indicators,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch {
	case score >= fraud.BlockThreshold:
		w.Status = domain.WithdrawalDenied
		w.FailureReason = "risk score critical"
		if err := s.insertWithdrawal(ctx, &w); err != nil {
			return domain.WithdrawalRequest{}, err
		}
		observability.FraudBlocks.WithLabelValues(string(fraud.BandCritical)).Inc()
		observability.Withdrawals.WithLabelValues("blocked").Inc()
		return domain.WithdrawalRequest{}, domain.ErrFraudBlocked

	case score >= fraud.ReviewThreshold:
		w.Status = domain.WithdrawalPendingReview
		if err := s.insertWithdrawal(ctx, &w); err != nil {
			return domain.WithdrawalRequest{}, err
		}
		observability.FraudBlocks.WithLabelValues(string(fraud.BandHigh)).Inc()
		observability.Withdrawals.WithLabelValues("pending_review").Inc()
		s.notify(domain.Notification{
			Event: "withdrawal.pending_review", AccountID: w.AccountID,
			Reference: w.Reference, Amount: w.Amount,
		})
		return w, nil
	}

	// Clean score: reserve the funds and mark processing in one unit.
	w.Status = domain.WithdrawalProcessing
	var held domain.Hold
	err = ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		held, err = s.holds.CreateTx(ctx, tx, hold.CreateRequest{
			AccountID: req.AccountID,
			Amount:    req.Amount,
			Purpose:   domain.PurposeWithdrawal,
			Reference: req.Reference,
			TTL:       s.cfg.WithdrawalTTL,
		})
		if err != nil {
			return err
		}
		w.HoldID = held.ID
		return tx.InsertWithdrawal(ctx, w)
	})
	if errors.Is(err, domain.ErrDuplicateReference) {
		// Lost a creation race; the winner's row is the answer.
		if prior, found, ferr := s.store.FindWithdrawalByReference(ctx, req.Reference); ferr == nil && found {
			return prior, nil
		}
		return domain.WithdrawalRequest{}, err
	}
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	s.holds.Schedule(held)
	observability.Withdrawals.WithLabelValues("processing").Inc()
	return w, nil
}

func (s *Service) insertWithdrawal(ctx context.Context, w *domain.WithdrawalRequest) error {
	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		return tx.InsertWithdrawal(ctx, *w)
	})
	if errors.Is(err, domain.ErrDuplicateReference) {
		if prior, found, ferr := s.store.FindWithdrawalByReference(ctx, w.Reference); ferr == nil && found {
			*w = prior
			return nil
		}
	}
	return err
}

// StartTransfer runs the external transfer for a processing request on
// a bounded-concurrency worker. Fire and forget; outcomes land in the
// store.
func (s *Service) StartTransfer(id string) {
	go func() {
		s.transferSem <- struct{}{}
		defer func() { <-s.transferSem }()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProviderTimeout+30*time.Second)
		defer cancel()
		if err := s.Transfer(ctx, id); err != nil {
			log.Printf("settlement: transfer %s: %v", id, err)
		}
	}()
}

// Transfer executes the external payout for a processing withdrawal.
// Success captures the hold; an authoritative failure marks the
// request failed and leaves the hold active for manual reconciliation;
// timeouts leave the request processing for the status poller.
func (s *Service) Transfer(ctx context.Context, id string) error {
	w, err := s.store.Withdrawal(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != domain.WithdrawalProcessing {
		return fmt.Errorf("%w: withdrawal %s is %s, not processing", domain.ErrInvalidState, id, w.Status)
	}

	// Resolve the destination name first; an unresolvable account is an
	// authoritative failure.
	vctx, cancel := s.providerCtx(ctx)
	name, err := s.payments.VerifyAccount(vctx, w.Destination.AccountNumber, w.Destination.BankCode)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: verify account: %v", domain.ErrExternalUnavailable, err)
	}
	if name == "" {
		return s.failTransfer(ctx, w, "destination account not resolvable")
	}

	start := time.Now()
	tctx, cancel := s.providerCtx(ctx)
	result, err := s.payments.InitiateTransfer(tctx, domain.TransferRequest{
		Reference:   w.Reference,
		Amount:      w.Amount,
		Destination: w.Destination,
		Narration:   "wallet withdrawal",
	})
	cancel()
	observability.ProviderLatency.WithLabelValues("payments", "transfer").Observe(time.Since(start).Seconds())
	if err != nil {
		// Timeout or transport error: outcome unknown. The request
		// stays processing and the poller settles it from provider
		// state. Never treat unknown as failed.
		return fmt.Errorf("%w: initiate transfer: %v", domain.ErrExternalUnavailable, err)
	}

	switch result.Outcome {
	case domain.OutcomeSuccess:
		return s.completeTransfer(ctx, w, name)
	case domain.OutcomeFailure:
		return s.failTransfer(ctx, w, "provider rejected transfer")
	default:
		return nil // pending, poller territory
	}
}

func (s *Service) completeTransfer(ctx context.Context, w domain.WithdrawalRequest, destName string) error {
	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		won, err := tx.TransitionWithdrawal(ctx, w.ID, domain.WithdrawalProcessing, domain.WithdrawalCompleted, "", s.now())
		if err != nil {
			return err
		}
		if !won {
			return nil // already settled by webhook or poller
		}
		if _, err := s.holds.CaptureTx(ctx, tx, w.HoldID); err != nil {
			return err
		}
		return tx.AttachHold(ctx, w.ID, w.HoldID, destName, s.now())
	})
	if err != nil {
		return err
	}
	s.holds.Forget(w.HoldID)
	observability.Withdrawals.WithLabelValues("completed").Inc()
	s.notify(domain.Notification{
		Event: "withdrawal.completed", AccountID: w.AccountID,
		Reference: w.Reference, Amount: w.Amount,
	})
	return nil
}

// failTransfer records an authoritative transfer failure. The hold is
// deliberately left active; this path is logged distinctly from the
// expiry-sweep refund so operators can tell them apart.
func (s *Service) failTransfer(ctx context.Context, w domain.WithdrawalRequest, reason string) error {
	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		_, err := tx.TransitionWithdrawal(ctx, w.ID, domain.WithdrawalProcessing, domain.WithdrawalFailed, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	log.Printf("settlement: transfer failed, hold %s left active for manual reconciliation: withdrawal=%s reason=%q",
		w.HoldID, w.ID, reason)
	observability.Withdrawals.WithLabelValues("failed").Inc()
	observability.FailedTransferHolds.Inc()
	s.notify(domain.Notification{
		Event: "withdrawal.failed", AccountID: w.AccountID,
		Reference: w.Reference, Amount: w.Amount, Detail: reason,
	})
	return nil
}

// Approve moves a pending_review request to processing, reserving the
// funds. The caller then starts the transfer.
func (s *Service) Approve(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	var held domain.Hold
	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		var err error
		w, err = tx.Withdrawal(ctx, id)
		if err != nil {
			return err
		}
		won, err := tx.TransitionWithdrawal(ctx, id, domain.WithdrawalPendingReview, domain.WithdrawalProcessing, "", s.now())
		if err != nil {
			return err
		}
		if !won {
			if w.Status == domain.WithdrawalProcessing {
				return nil
			}
			return fmt.Errorf("%w: withdrawal %s is %s, not pending_review", domain.ErrInvalidState, id, w.Status)
		}
		held, err = s.holds.CreateTx(ctx, tx, hold.CreateRequest{
			AccountID: w.AccountID,
			Amount:    w.Amount,
			Purpose:   domain.PurposeWithdrawal,
			Reference: w.Reference,
			TTL:       s.cfg.WithdrawalTTL,
		})
		if err != nil {
			return err
		}
		w.HoldID = held.ID
		w.Status = domain.WithdrawalProcessing
		return tx.AttachHold(ctx, id, held.ID, w.Destination.AccountName, s.now())
	})
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if held.ID != "" {
		s.holds.Schedule(held)
	}
	observability.Withdrawals.WithLabelValues("approved").Inc()
	return w, nil
}

// Deny rejects a pending_review request. No funds were held, so there
// is nothing to release.
func (s *Service) Deny(ctx context.Context, id, reason string) (domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		var err error
		w, err = tx.Withdrawal(ctx, id)
		if err != nil {
			return err
		}
		won, err := tx.TransitionWithdrawal(ctx, id, domain.WithdrawalPendingReview, domain.WithdrawalDenied, reason, s.now())
		if err != nil {
			return err
		}
		if !won {
			if w.Status == domain.WithdrawalDenied {
				return nil
			}
			return fmt.Errorf("%w: withdrawal %s is %s, not pending_review", domain.ErrInvalidState, id, w.Status)
		}
		w.Status = domain.WithdrawalDenied
		w.FailureReason = reason
		return nil
	})
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	observability.Withdrawals.WithLabelValues("denied").Inc()
	return w, nil
}

// OperatorRefund releases the hold behind a failed transfer after a
// human confirmed with the provider that no payout happened. This is
// the manual counterpart to the deliberate no-auto-refund policy.
func (s *Service) OperatorRefund(ctx context.Context, withdrawalID, operator string) (domain.Hold, error) {
	w, err := s.store.Withdrawal(ctx, withdrawalID)
	if err != nil {
		return domain.Hold{}, err
	}
	if w.Status != domain.WithdrawalFailed {
		return domain.Hold{}, fmt.Errorf("%w: withdrawal %s is %s, not failed", domain.ErrInvalidState, withdrawalID, w.Status)
	}
	if w.HoldID == "" {
		return domain.Hold{}, fmt.Errorf("%w: withdrawal %s has no hold", domain.ErrValidation, withdrawalID)
	}
	h, err := s.holds.Refund(ctx, w.HoldID, "operator refund by "+operator)
	if err != nil {
		return domain.Hold{}, err
	}
	observability.FailedTransferHolds.Dec()
	s.notify(domain.Notification{
		Event: "withdrawal.refunded", AccountID: w.AccountID,
		Reference: w.Reference, Amount: w.Amount, Detail: "operator=" + operator,
	})
	return h, nil
}

// ResolveTransfer settles a processing withdrawal from the provider's
// authoritative transaction state. Used by the status poller and the
// webhook handler.
func (s *Service) ResolveTransfer(ctx context.Context, w domain.WithdrawalRequest, outcome domain.Outcome) error {
	if w.Status != domain.WithdrawalProcessing {
		return nil
	}
	switch outcome {
	case domain.OutcomeSuccess:
		return s.completeTransfer(ctx, w, w.Destination.AccountName)
	case domain.OutcomeFailure:
		return s.failTransfer(ctx, w, "provider reported transfer failed")
	default:
		return nil
	}
}
