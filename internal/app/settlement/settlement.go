// Package settlement implements the state machines that turn external
// triggers (task completions, withdrawal requests, vending purchases,
// provider webhooks) into atomic ledger and hold operations. Every
// entry point is safe to call twice with the same external reference.
package settlement

import (
	"context"
	"log"
	"time"

	"github.com/stipend-network/stipend/internal/app/hold"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// Config carries the settlement policy knobs.
type Config struct {
	// RewardAttemptInterval is the per-(account, task) verification rate
	// limit.
	RewardAttemptInterval time.Duration
	// ReverifyWindow is how long a rewarded completion stays subject to
	// re-verification and clawback.
	ReverifyWindow time.Duration
	// WithdrawalTTL bounds how long a withdrawal hold stays reserved
	// before the sweep returns it.
	WithdrawalTTL time.Duration
	// VendingTTL is the short reservation for synchronous vending calls.
	VendingTTL time.Duration
	// MinWithdrawal and MaxWithdrawal bound a single request.
	MinWithdrawal int64
	MaxWithdrawal int64
	// DailyWithdrawalLimit caps the 24h rolling total per account.
	DailyWithdrawalLimit int64
	// ProviderTimeout bounds each external call.
	ProviderTimeout time.Duration
	// TransferConcurrency caps in-flight outbound transfers.
	TransferConcurrency int
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		RewardAttemptInterval: 60 * time.Second,
		ReverifyWindow:        7 * 24 * time.Hour,
		WithdrawalTTL:         48 * time.Hour,
		VendingTTL:            15 * time.Minute,
		MinWithdrawal:         100,
		MaxWithdrawal:         500_000,
		DailyWithdrawalLimit:  1_000_000,
		ProviderTimeout:       30 * time.Second,
		TransferConcurrency:   4,
	}
}

// Service coordinates the settlement state machines against the shared
// store. No in-process state is authoritative; the store is the single
// source of truth and per-account writes serialize through version
// checks.
type Service struct {
	store     *sqlite.DB
	holds     *hold.Manager
	verifiers domain.VerifierSet
	payments  domain.PaymentProvider
	vendor    domain.VendingProvider
	notifier  domain.Notifier
	cfg       Config
	now       func() time.Time

	transferSem chan struct{}
}

// New creates a settlement service. notifier may be nil.
func New(store *sqlite.DB, holds *hold.Manager, verifiers domain.VerifierSet,
	payments domain.PaymentProvider, vendor domain.VendingProvider,
	notifier domain.Notifier, cfg Config) *Service {
	if cfg.TransferConcurrency <= 0 {
		cfg.TransferConcurrency = 1
	}
	return &Service{
		store:       store,
		holds:       holds,
		verifiers:   verifiers,
		payments:    payments,
		vendor:      vendor,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
		transferSem: make(chan struct{}, cfg.TransferConcurrency),
	}
}

// SetClock overrides the clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// notify fires an event at the audit sink. Failures are the sink's
// problem; they never roll back a settlement decision.
func (s *Service) notify(n domain.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(n)
}

// providerCtx derives a bounded-timeout context for an external call.
func (s *Service) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ProviderTimeout)
}

// suspendedGuard refuses operations for suspended accounts.
func (s *Service) suspendedGuard(ctx context.Context, accountID string) (domain.Account, error) {
	acct, err := s.store.Account(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if acct.Suspended {
		return domain.Account{}, domain.ErrAccountSuspended
	}
	return acct, nil
}

func logInvalidState(op, id string, err error) {
	// Wrong-state transitions are race or programming bugs; keep them
	// loud in the log even when the caller swallows the error.
	log.Printf("settlement: %s %s: %v", op, id, err)
}
