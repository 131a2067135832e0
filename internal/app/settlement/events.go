package settlement

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stipend-network/stipend/internal/app/ledger"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
)

// ─── Provider Events & Reconciliation ───────────────────────────────────────

// ProviderEvent is a verified inbound webhook payload, reduced to the
// fields the state machines consume. Signature verification happens at
// the ingress before this type exists.
type ProviderEvent struct {
	Reference string         `json:"reference"`
	Outcome   domain.Outcome `json:"outcome"`
	// AccountID and Amount are only set for inbound payment (deposit)
	// events, which have no prior settlement record.
	AccountID string `json:"account_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

// HandleProviderEvent routes a webhook event to the settlement record
// owning its reference. Events are at-least-once; every path here is a
// no-op on replay.
func (s *Service) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	if ev.Reference == "" {
		return domain.ErrValidation
	}

	if w, found, err := s.store.FindWithdrawalByReference(ctx, ev.Reference); err != nil {
		return err
	} else if found {
		return s.ResolveTransfer(ctx, w, ev.Outcome)
	}

	if order, found, err := s.store.FindVendingByReference(ctx, ev.Reference); err != nil {
		return err
	} else if found {
		return s.ResolveVending(ctx, order, ev.Outcome)
	}

	// No settlement record: an inbound payment. Confirm against the
	// provider rather than trusting the payload's amount claim, then
	// credit the verified amount with the provider reference as the
	// dedup key.
	if ev.Outcome != domain.OutcomeSuccess {
		return nil
	}
	if ev.AccountID == "" {
		return domain.ErrValidation
	}
	vctx, cancel := s.providerCtx(ctx)
	result, err := s.payments.VerifyTransaction(vctx, ev.Reference)
	cancel()
	if err != nil {
		return err
	}
	if result.Outcome != domain.OutcomeSuccess {
		log.Printf("settlement: deposit %s claimed success, provider says %s", ev.Reference, result.Outcome)
		return nil
	}
	if result.Amount <= 0 {
		log.Printf("settlement: deposit %s verified without an amount, leaving uncredited", ev.Reference)
		return nil
	}
	if result.Amount != ev.Amount {
		log.Printf("settlement: deposit %s payload claimed %d, provider says %d", ev.Reference, ev.Amount, result.Amount)
	}
	_, err = s.creditDeposit(ctx, ev.AccountID, result.Amount, ev.Reference)
	return err
}

func (s *Service) creditDeposit(ctx context.Context, accountID string, amount int64, reference string) (domain.Entry, error) {
	entry, err := ledger.New(s.store).Credit(ctx, accountID, amount, reference,
		domain.Related{Kind: domain.RelatedPayment, ID: reference})
	if err != nil {
		return domain.Entry{}, err
	}
	s.notify(domain.Notification{
		Event: "deposit.credited", AccountID: accountID,
		Reference: reference, Amount: amount,
	})
	return entry, nil
}

// InitiateDeposit opens an inbound payment with the provider and
// returns the minted transaction reference plus the raw checkout
// payload for the caller to relay. Each call gets its own reference;
// it is the dedup key the eventual webhook credit collapses on, so two
// deposits by one account must never share it. The actual credit lands
// later via webhook or poller, never here.
func (s *Service) InitiateDeposit(ctx context.Context, accountID string, amount int64) (string, domain.ProviderResult, error) {
	if accountID == "" || amount <= 0 {
		return "", domain.ProviderResult{}, domain.ErrValidation
	}
	if _, err := s.suspendedGuard(ctx, accountID); err != nil {
		return "", domain.ProviderResult{}, err
	}
	reference := "deposit:" + EventID()
	vctx, cancel := s.providerCtx(ctx)
	defer cancel()

	start := time.Now()
	result, err := s.payments.InitializeTransaction(vctx, reference, accountID, amount)
	observability.ProviderLatency.WithLabelValues("payments", "initialize").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", domain.ProviderResult{}, domain.ErrExternalUnavailable
	}
	return reference, result, nil
}

// PollProviderState is the payment-status poller body: it asks the
// provider for the authoritative state of every withdrawal stuck in
// processing and every vending order with an unknown outcome, and
// settles the ones that resolved. Returns how many it settled.
func (s *Service) PollProviderState(ctx context.Context, stuckFor time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-stuckFor)
	settled := 0

	stuck, err := s.store.ProcessingWithdrawals(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	for _, w := range stuck {
		outcome, err := s.queryProvider(ctx, w.Reference)
		if err != nil {
			log.Printf("settlement: poll withdrawal %s: %v", w.ID, err)
			continue
		}
		if outcome == domain.OutcomePending {
			continue
		}
		if err := s.ResolveTransfer(ctx, w, outcome); err != nil {
			log.Printf("settlement: resolve withdrawal %s: %v", w.ID, err)
			continue
		}
		settled++
	}

	unresolved, err := s.store.UnresolvedVending(ctx, cutoff, limit)
	if err != nil {
		return settled, err
	}
	for _, order := range unresolved {
		outcome, err := s.queryProvider(ctx, order.Reference)
		if err != nil {
			log.Printf("settlement: poll vending %s: %v", order.ID, err)
			continue
		}
		if outcome == domain.OutcomePending {
			continue
		}
		if err := s.ResolveVending(ctx, order, outcome); err != nil {
			log.Printf("settlement: resolve vending %s: %v", order.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *Service) queryProvider(ctx context.Context, reference string) (domain.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutcomePending, err
	}
	vctx, cancel := s.providerCtx(ctx)
	defer cancel()

	start := time.Now()
	result, err := s.payments.VerifyTransaction(vctx, reference)
	observability.ProviderLatency.WithLabelValues("payments", "verify").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.OutcomePending, err
	}
	return result.Outcome, nil
}

// EventID mints a reference for callers that have none. Exposed so the
// API layer can hand idempotency keys to first-party clients.
func EventID() string { return uuid.New().String() }
