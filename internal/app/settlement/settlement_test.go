package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stipend-network/stipend/internal/app/fraud"
	"github.com/stipend-network/stipend/internal/app/hold"
	"github.com/stipend-network/stipend/internal/app/ledger"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// ─── Test Doubles ───────────────────────────────────────────────────────────

type fakeVerifier struct {
	ok    bool
	err   error
	calls int
}

func (f *fakeVerifier) Verify(_ context.Context, _, _ string) (bool, error) {
	f.calls++
	return f.ok, f.err
}

type fakeProvider struct {
	accountName   string
	verifyAcctErr error

	transferResult domain.ProviderResult
	transferErr    error
	transferCalls  int

	verifyTxResult domain.ProviderResult
	verifyTxErr    error

	initRefs []string
}

func (f *fakeProvider) InitializeTransaction(_ context.Context, reference, _ string, _ int64) (domain.ProviderResult, error) {
	f.initRefs = append(f.initRefs, reference)
	return domain.ProviderResult{Outcome: domain.OutcomeSuccess, Raw: []byte(`{"checkout":"url"}`)}, nil
}

func (f *fakeProvider) VerifyTransaction(_ context.Context, _ string) (domain.ProviderResult, error) {
	return f.verifyTxResult, f.verifyTxErr
}

func (f *fakeProvider) InitiateTransfer(_ context.Context, _ domain.TransferRequest) (domain.ProviderResult, error) {
	f.transferCalls++
	return f.transferResult, f.transferErr
}

func (f *fakeProvider) VerifyAccount(_ context.Context, _, _ string) (string, error) {
	return f.accountName, f.verifyAcctErr
}

type fakeVendor struct {
	result domain.ProviderResult
	err    error
	calls  int
}

func (f *fakeVendor) Vend(_ context.Context, _, _ string, _ int64) (domain.ProviderResult, error) {
	f.calls++
	return f.result, f.err
}

type captureNotifier struct {
	events []domain.Notification
}

func (n *captureNotifier) Notify(ev domain.Notification) { n.events = append(n.events, ev) }

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	svc      *Service
	db       *sqlite.DB
	holds    *hold.Manager
	ledger   *ledger.Service
	verifier *fakeVerifier
	provider *fakeProvider
	vendor   *fakeVendor
	notifier *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "settlement.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:       db,
		holds:    hold.NewManager(db),
		ledger:   ledger.New(db),
		verifier: &fakeVerifier{ok: true},
		provider: &fakeProvider{accountName: "JANE DOE"},
		vendor:   &fakeVendor{result: domain.ProviderResult{Outcome: domain.OutcomeSuccess}},
		notifier: &captureNotifier{},
	}
	verifiers := domain.VerifierSet{
		domain.ActionFollow: f.verifier,
		domain.ActionLike:   f.verifier,
	}
	cfg := DefaultConfig()
	cfg.ProviderTimeout = 2 * time.Second
	f.svc = New(db, f.holds, verifiers, f.provider, f.vendor, f.notifier, cfg)
	return f
}

func (f *fixture) seedAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	// Aged, verified profile so the clean-account risk score stays low.
	if err := f.db.SetAccountProfile(ctx, id, true, 0, time.Now().Add(-90*24*time.Hour)); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if balance > 0 {
		if _, err := f.ledger.Credit(ctx, id, balance, "seed:"+id, domain.Related{}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func (f *fixture) seedTask(t *testing.T, reward int64, maxCompletions int) domain.Task {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), "follow us", domain.ActionFollow, "target-1", reward, maxCompletions)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	acct, err := f.db.Account(context.Background(), id)
	if errors.Is(err, domain.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if err := acct.CheckInvariant(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
	return acct.Balance
}

// ─── Task Rewards ───────────────────────────────────────────────────────────

func TestCompleteTaskRewards(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	task := f.seedTask(t, 200, 0)
	ctx := context.Background()

	c, err := f.svc.CompleteTask(ctx, "acct-1", task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.Status != domain.CompletionRewarded {
		t.Fatalf("status = %s, want rewarded", c.Status)
	}
	if got := f.balance(t, "acct-1"); got != 200 {
		t.Fatalf("balance = %d, want 200", got)
	}
	updated, err := f.db.Task(ctx, task.ID)
	if err != nil || updated.CompletedCount != 1 {
		t.Fatalf("task count = %d err=%v, want 1", updated.CompletedCount, err)
	}
}

func TestCompleteTaskReplayNoDoubleCredit(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	task := f.seedTask(t, 200, 0)
	ctx := context.Background()

	first, err := f.svc.CompleteTask(ctx, "acct-1", task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := f.svc.CompleteTask(ctx, "acct-1", task.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay minted a new completion")
	}
	if got := f.balance(t, "acct-1"); got != 200 {
		t.Fatalf("replay double-credited: balance = %d", got)
	}
}

func TestCompleteTaskUnverified(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	task := f.seedTask(t, 200, 0)
	ctx := context.Background()

	f.verifier.ok = false
	if _, err := f.svc.CompleteTask(ctx, "acct-1", task.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got := f.balance(t, "acct-1"); got != 0 {
		t.Fatalf("unverified attempt credited: %d", got)
	}

	c, found, err := f.db.FindCompletion(ctx, task.ID, "acct-1")
	if err != nil || !found || c.Status != domain.CompletionFailed {
		t.Fatalf("completion = %+v found=%v err=%v, want failed row", c, found, err)
	}

	// Second attempt inside the rate window is refused before the
	// verifier runs.
	calls := f.verifier.calls
	if _, err := f.svc.CompleteTask(ctx, "acct-1", task.ID); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if f.verifier.calls != calls {
		t.Fatal("rate-limited attempt reached the verifier")
	}
}

func TestCompleteTaskVerifierErrorIsNotVerified(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	task := f.seedTask(t, 200, 0)

	f.verifier.err = errors.New("upstream 503")
	if _, err := f.svc.CompleteTask(context.Background(), "acct-1", task.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got := f.balance(t, "acct-1"); got != 0 {
		t.Fatalf("errored verification credited: %d", got)
	}
}

func TestCompleteTaskCapacity(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	f.seedAccount(t, "acct-2", 0)
	task := f.seedTask(t, 100, 1)
	ctx := context.Background()

	if _, err := f.svc.CompleteTask(ctx, "acct-1", task.ID); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, "acct-2", task.ID); !errors.Is(err, domain.ErrTaskInactive) {
		t.Fatalf("err = %v, want ErrTaskInactive after capacity filled", err)
	}

	updated, err := f.db.Task(ctx, task.ID)
	if err != nil || updated.Active {
		t.Fatalf("task still active after final slot: %+v err=%v", updated, err)
	}
}

// ─── Revocation ─────────────────────────────────────────────────────────────

func TestRevokeCapsAtBalance(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	task := f.seedTask(t, 500, 0)
	ctx := context.Background()

	c, err := f.svc.CompleteTask(ctx, "acct-1", task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Spend most of the reward before the clawback lands.
	if _, err := f.ledger.Debit(ctx, "acct-1", 350, "spend:1", domain.Related{}); err != nil {
		t.Fatalf("spend: %v", err)
	}

	revoked, err := f.svc.Revoke(ctx, c.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != domain.CompletionRevoked {
		t.Fatalf("status = %s", revoked.Status)
	}
	if revoked.ClawbackShortfall != 350 {
		t.Fatalf("shortfall = %d, want 350", revoked.ClawbackShortfall)
	}
	if got := f.balance(t, "acct-1"); got != 0 {
		t.Fatalf("balance = %d, want 0 (clawback floors at balance)", got)
	}

	acct, err := f.db.Account(ctx, "acct-1")
	if err != nil || acct.FraudScore != 2 {
		t.Fatalf("strikes = %d err=%v, want 2 for reward >= 500", acct.FraudScore, err)
	}

	// Replay is a no-op.
	if _, err := f.svc.Revoke(ctx, c.ID); err != nil {
		t.Fatalf("revoke replay: %v", err)
	}
	if got := f.balance(t, "acct-1"); got != 0 {
		t.Fatalf("replayed revoke debited again: %d", got)
	}
}

func TestRevokeReleasesTaskSlot(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	task := f.seedTask(t, 100, 1)
	ctx := context.Background()

	c, err := f.svc.CompleteTask(ctx, "acct-1", task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.Revoke(ctx, c.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	updated, err := f.db.Task(ctx, task.ID)
	if err != nil || !updated.Active || updated.CompletedCount != 0 {
		t.Fatalf("task not released: %+v err=%v", updated, err)
	}
}

func TestRevokeSuspendsAtStrikeThreshold(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	ctx := context.Background()

	task := f.seedTask(t, 100, 0)
	c, err := f.svc.CompleteTask(ctx, "acct-1", task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Four strikes already on record; the next small-reward revocation
	// crosses the threshold.
	if err := f.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.SetAccountRisk(ctx, "acct-1", fraud.SuspendStrikes-1, false)
	}); err != nil {
		t.Fatalf("preload strikes: %v", err)
	}

	if _, err := f.svc.Revoke(ctx, c.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	acct, err := f.db.Account(ctx, "acct-1")
	if err != nil || !acct.Suspended {
		t.Fatalf("account not suspended at threshold: %+v err=%v", acct, err)
	}

	// Suspended accounts are refused everywhere.
	if _, err := f.svc.CompleteTask(ctx, "acct-1", task.ID); !errors.Is(err, domain.ErrAccountSuspended) {
		t.Fatalf("complete on suspended: err = %v", err)
	}
	if _, err := f.svc.Purchase(ctx, VendRequest{AccountID: "acct-1", Amount: 50, Item: "airtime", Reference: "v-x"}); !errors.Is(err, domain.ErrAccountSuspended) {
		t.Fatalf("purchase on suspended: err = %v", err)
	}
}

func TestReverifyDue(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	task := f.seedTask(t, 200, 0)
	ctx := context.Background()

	if _, err := f.svc.CompleteTask(ctx, "acct-1", task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Provider outage: unknown outcome, reward survives the pass.
	f.verifier.err = errors.New("timeout")
	if _, err := f.svc.ReverifyDue(ctx, 0); err != nil {
		t.Fatalf("reverify pass: %v", err)
	}
	c, _, err := f.db.FindCompletion(ctx, task.ID, "acct-1")
	if err != nil || c.Status != domain.CompletionRewarded {
		t.Fatalf("provider error revoked the reward: %+v err=%v", c, err)
	}

	// Authoritative "not verified": revoked, reward clawed back.
	f.verifier.err = nil
	f.verifier.ok = false
	revoked, err := f.svc.ReverifyDue(ctx, 0)
	if err != nil {
		t.Fatalf("reverify pass: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("revoked = %d, want 1", revoked)
	}
	if got := f.balance(t, "acct-1"); got != 0 {
		t.Fatalf("balance = %d after clawback, want 0", got)
	}
}

// ─── Withdrawals ────────────────────────────────────────────────────────────

func TestWithdrawalCleanScore(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 10_000)
	ctx := context.Background()

	req := WithdrawRequest{
		AccountID:    "acct-1",
		Amount:       5_000,
		Destination:  domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
		Reference:    "wd-1",
		PinConfirmed: true,
	}
	w, err := f.svc.RequestWithdrawal(ctx, req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if w.Status != domain.WithdrawalProcessing || w.HoldID == "" {
		t.Fatalf("request = %+v, want processing with hold", w)
	}
	if got := f.balance(t, "acct-1"); got != 5_000 {
		t.Fatalf("balance = %d, want 5000 held", got)
	}

	// Replay returns the same request without a second hold.
	again, err := f.svc.RequestWithdrawal(ctx, req)
	if err != nil || again.ID != w.ID {
		t.Fatalf("replay = %+v err=%v", again, err)
	}
	if got := f.balance(t, "acct-1"); got != 5_000 {
		t.Fatalf("replay held again: %d", got)
	}

	// Transfer succeeds: hold captured, no balance change.
	f.provider.transferResult = domain.ProviderResult{Outcome: domain.OutcomeSuccess}
	if err := f.svc.Transfer(ctx, w.ID); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	done, err := f.db.Withdrawal(ctx, w.ID)
	if err != nil || done.Status != domain.WithdrawalCompleted {
		t.Fatalf("withdrawal = %+v err=%v, want completed", done, err)
	}
	h, err := f.db.Hold(ctx, w.HoldID)
	if err != nil || h.Status != domain.HoldCaptured {
		t.Fatalf("hold = %+v err=%v, want captured", h, err)
	}
	if got := f.balance(t, "acct-1"); got != 5_000 {
		t.Fatalf("capture changed balance: %d", got)
	}
}

func TestWithdrawalPreconditions(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 10_000)
	ctx := context.Background()
	dest := domain.Destination{AccountNumber: "0123456789", BankCode: "058"}

	cases := []struct {
		name string
		req  WithdrawRequest
	}{
		{"below minimum", WithdrawRequest{AccountID: "acct-1", Amount: 1, Destination: dest, Reference: "wd-min", PinConfirmed: true}},
		{"above maximum", WithdrawRequest{AccountID: "acct-1", Amount: 10_000_000, Destination: dest, Reference: "wd-max", PinConfirmed: true}},
		{"malformed account", WithdrawRequest{AccountID: "acct-1", Amount: 5_000, Destination: domain.Destination{AccountNumber: "abc", BankCode: "058"}, Reference: "wd-acct", PinConfirmed: true}},
		{"missing bank", WithdrawRequest{AccountID: "acct-1", Amount: 5_000, Destination: domain.Destination{AccountNumber: "0123456789"}, Reference: "wd-bank", PinConfirmed: true}},
		{"unconfirmed PIN", WithdrawRequest{AccountID: "acct-1", Amount: 5_000, Destination: dest, Reference: "wd-pin"}},
	}
	for _, tc := range cases {
		if _, err := f.svc.RequestWithdrawal(ctx, tc.req); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}
	if got := f.balance(t, "acct-1"); got != 10_000 {
		t.Fatalf("rejected requests touched funds: %d", got)
	}

	// Unverified identity.
	if err := f.db.SetAccountProfile(ctx, "acct-2", false, 0, time.Now().Add(-90*24*time.Hour)); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if _, err := f.svc.RequestWithdrawal(ctx, WithdrawRequest{AccountID: "acct-2", Amount: 5_000, Destination: dest, Reference: "wd-id", PinConfirmed: true}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unverified identity: err = %v", err)
	}
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 1_000)

	_, err := f.svc.RequestWithdrawal(context.Background(), WithdrawRequest{
		AccountID:    "acct-1",
		Amount:       5_000,
		Destination:  domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
		Reference:    "wd-1",
		PinConfirmed: true,
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := f.balance(t, "acct-1"); got != 1_000 {
		t.Fatalf("failed request moved funds: %d", got)
	}
}

// riskyAccount builds history that scores in the manual-review band.
func (f *fixture) riskyAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	// Brand-new verified account with failed and duplicate attempts.
	if err := f.db.SetAccountProfile(ctx, id, true, 0, time.Now()); err != nil {
		t.Fatalf("profile: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := f.db.RecordAttempt(ctx, id, "task-x", false, false, time.Now()); err != nil {
			t.Fatalf("attempt: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := f.db.RecordAttempt(ctx, id, "task-x", true, true, time.Now()); err != nil {
			t.Fatalf("attempt: %v", err)
		}
	}
	if balance > 0 {
		if _, err := f.ledger.Credit(ctx, id, balance, "seed:"+id, domain.Related{}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestWithdrawalHighRiskPendingReview(t *testing.T) {
	f := newFixture(t)
	f.riskyAccount(t, "acct-1", 10_000)
	ctx := context.Background()

	req := WithdrawRequest{
		AccountID:    "acct-1",
		Amount:       5_000,
		Destination:  domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
		Reference:    "wd-1",
		PinConfirmed: true,
	}
	w, err := f.svc.RequestWithdrawal(ctx, req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if w.Status != domain.WithdrawalPendingReview {
		t.Fatalf("status = %s (score %d), want pending_review", w.Status, w.RiskScore)
	}
	if len(w.RiskFactors) == 0 {
		t.Fatal("no risk factors recorded")
	}
	if got := f.balance(t, "acct-1"); got != 10_000 {
		t.Fatalf("pending_review touched funds: %d", got)
	}

	// Approval reserves the funds and hands off to the transfer.
	approved, err := f.svc.Approve(ctx, w.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.WithdrawalProcessing || approved.HoldID == "" {
		t.Fatalf("approved = %+v", approved)
	}
	if got := f.balance(t, "acct-1"); got != 5_000 {
		t.Fatalf("approval did not hold funds: %d", got)
	}
}

func TestWithdrawalDeny(t *testing.T) {
	f := newFixture(t)
	f.riskyAccount(t, "acct-1", 10_000)
	ctx := context.Background()

	w, err := f.svc.RequestWithdrawal(ctx, WithdrawRequest{
		AccountID:    "acct-1",
		Amount:       5_000,
		Destination:  domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
		Reference:    "wd-1",
		PinConfirmed: true,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	denied, err := f.svc.Deny(ctx, w.ID, "documents inconsistent")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.Status != domain.WithdrawalDenied {
		t.Fatalf("status = %s", denied.Status)
	}
	if got := f.balance(t, "acct-1"); got != 10_000 {
		t.Fatalf("deny touched funds: %d", got)
	}
	if _, err := f.svc.Approve(ctx, w.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("approve after deny: err = %v", err)
	}
}

func TestTransferFailureLeavesHoldActive(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 10_000)
	ctx := context.Background()

	w, err := f.svc.RequestWithdrawal(ctx, WithdrawRequest{
		AccountID:    "acct-1",
		Amount:       5_000,
		Destination:  domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
		Reference:    "wd-1",
		PinConfirmed: true,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	f.provider.transferResult = domain.ProviderResult{Outcome: domain.OutcomeFailure}
	if err := f.svc.Transfer(ctx, w.ID); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	failed, err := f.db.Withdrawal(ctx, w.ID)
	if err != nil || failed.Status != domain.WithdrawalFailed {
		t.Fatalf("withdrawal = %+v err=%v, want failed", failed, err)
	}
	h, err := f.db.Hold(ctx, w.HoldID)
	if err != nil || h.Status != domain.HoldActive {
		t.Fatalf("hold = %+v err=%v: failed transfer must NOT refund", h, err)
	}
	if got := f.balance(t, "acct-1"); got != 5_000 {
		t.Fatalf("failed transfer changed balance: %d", got)
	}

	// The manual-reconciliation queue surfaces it.
	queue, err := f.db.FailedWithdrawalsWithActiveHolds(ctx)
	if err != nil || len(queue) != 1 || queue[0].ID != w.ID {
		t.Fatalf("reconciliation queue = %+v err=%v", queue, err)
	}

	// Operator confirms no payout happened and releases the hold.
	if _, err := f.svc.OperatorRefund(ctx, w.ID, "ops@example"); err != nil {
		t.Fatalf("operator refund: %v", err)
	}
	if got := f.balance(t, "acct-1"); got != 10_000 {
		t.Fatalf("operator refund: balance = %d, want 10000", got)
	}
}

func TestTransferTimeoutStaysProcessing(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 10_000)
	ctx := context.Background()

	w, err := f.svc.RequestWithdrawal(ctx, WithdrawRequest{
		AccountID:    "acct-1",
		Amount:       5_000,
		Destination:  domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
		Reference:    "wd-1",
		PinConfirmed: true,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	f.provider.transferErr = context.DeadlineExceeded
	if err := f.svc.Transfer(ctx, w.ID); !errors.Is(err, domain.ErrExternalUnavailable) {
		t.Fatalf("err = %v, want ErrExternalUnavailable", err)
	}
	stuck, err := f.db.Withdrawal(ctx, w.ID)
	if err != nil || stuck.Status != domain.WithdrawalProcessing {
		t.Fatalf("withdrawal = %+v err=%v: timeout must stay processing", stuck, err)
	}

	// The poller later finds the transfer succeeded provider-side.
	f.provider.verifyTxResult = domain.ProviderResult{Outcome: domain.OutcomeSuccess}
	settled, err := f.svc.PollProviderState(ctx, 0, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}
	done, err := f.db.Withdrawal(ctx, w.ID)
	if err != nil || done.Status != domain.WithdrawalCompleted {
		t.Fatalf("withdrawal = %+v err=%v, want completed via poller", done, err)
	}
}

// ─── Vending ────────────────────────────────────────────────────────────────

func TestVendingSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 1_000)
	ctx := context.Background()

	order, err := f.svc.Purchase(ctx, VendRequest{AccountID: "acct-1", Amount: 300, Item: "airtime-300", Reference: "v-1"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if order.Status != domain.VendingSuccess {
		t.Fatalf("status = %s, want success", order.Status)
	}
	if got := f.balance(t, "acct-1"); got != 700 {
		t.Fatalf("balance = %d, want 700", got)
	}
	h, err := f.db.Hold(ctx, order.HoldID)
	if err != nil || h.Status != domain.HoldCaptured {
		t.Fatalf("hold = %+v err=%v, want captured", h, err)
	}

	// Replay returns the settled order without a second vend.
	calls := f.vendor.calls
	again, err := f.svc.Purchase(ctx, VendRequest{AccountID: "acct-1", Amount: 300, Item: "airtime-300", Reference: "v-1"})
	if err != nil || again.ID != order.ID {
		t.Fatalf("replay = %+v err=%v", again, err)
	}
	if f.vendor.calls != calls {
		t.Fatal("replay reached the provider")
	}
}

func TestVendingFailureAutoRefunds(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 1_000)
	ctx := context.Background()

	f.vendor.result = domain.ProviderResult{Outcome: domain.OutcomeFailure}
	order, err := f.svc.Purchase(ctx, VendRequest{AccountID: "acct-1", Amount: 300, Item: "airtime-300", Reference: "v-1"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if order.Status != domain.VendingFailed {
		t.Fatalf("status = %s, want failed", order.Status)
	}
	// Authoritative failure refunds immediately, unlike withdrawals.
	if got := f.balance(t, "acct-1"); got != 1_000 {
		t.Fatalf("balance = %d, want 1000 after auto-refund", got)
	}
	h, err := f.db.Hold(ctx, order.HoldID)
	if err != nil || h.Status != domain.HoldRefunded {
		t.Fatalf("hold = %+v err=%v, want refunded", h, err)
	}
}

func TestVendingTimeoutUnknown(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 1_000)
	ctx := context.Background()

	f.vendor.err = context.DeadlineExceeded
	order, err := f.svc.Purchase(ctx, VendRequest{AccountID: "acct-1", Amount: 300, Item: "airtime-300", Reference: "v-1"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if order.Status != domain.VendingUnknown {
		t.Fatalf("status = %s, want unknown", order.Status)
	}
	// No refund on an unknown outcome; the funds stay reserved.
	if got := f.balance(t, "acct-1"); got != 700 {
		t.Fatalf("balance = %d, want 700 (still held)", got)
	}

	// Poller finds the vend actually failed: refund lands then.
	f.provider.verifyTxResult = domain.ProviderResult{Outcome: domain.OutcomeFailure}
	settled, err := f.svc.PollProviderState(ctx, 0, 0)
	if err != nil || settled != 1 {
		t.Fatalf("poll settled=%d err=%v, want 1", settled, err)
	}
	if got := f.balance(t, "acct-1"); got != 1_000 {
		t.Fatalf("balance = %d after reconciled refund, want 1000", got)
	}
}

// ─── Provider Events ────────────────────────────────────────────────────────

func TestHandleProviderEventDeposit(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	ctx := context.Background()

	f.provider.verifyTxResult = domain.ProviderResult{Outcome: domain.OutcomeSuccess, Amount: 2_500}
	ev := ProviderEvent{Reference: "pay-1", Outcome: domain.OutcomeSuccess, AccountID: "acct-1", Amount: 2_500}

	if err := f.svc.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("event: %v", err)
	}
	if err := f.svc.HandleProviderEvent(ctx, ev); err != nil {
		t.Fatalf("replayed event: %v", err)
	}
	if got := f.balance(t, "acct-1"); got != 2_500 {
		t.Fatalf("balance = %d, want one credit of 2500", got)
	}
}

func TestHandleProviderEventUnconfirmedDeposit(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)

	// Payload claims success but the provider disagrees.
	f.provider.verifyTxResult = domain.ProviderResult{Outcome: domain.OutcomeFailure}
	err := f.svc.HandleProviderEvent(context.Background(), ProviderEvent{
		Reference: "pay-1", Outcome: domain.OutcomeSuccess, AccountID: "acct-1", Amount: 2_500,
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if got := f.balance(t, "acct-1"); got != 0 {
		t.Fatalf("unconfirmed deposit credited: %d", got)
	}
}

func TestDepositCreditsProviderVerifiedAmount(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)

	// The payload claims far more than the provider settled.
	f.provider.verifyTxResult = domain.ProviderResult{Outcome: domain.OutcomeSuccess, Amount: 100}
	err := f.svc.HandleProviderEvent(context.Background(), ProviderEvent{
		Reference: "pay-1", Outcome: domain.OutcomeSuccess, AccountID: "acct-1", Amount: 10_000,
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if got := f.balance(t, "acct-1"); got != 100 {
		t.Fatalf("balance = %d, want the provider-verified 100", got)
	}

	// A verify response without an amount leaves the deposit uncredited.
	f.provider.verifyTxResult = domain.ProviderResult{Outcome: domain.OutcomeSuccess}
	err = f.svc.HandleProviderEvent(context.Background(), ProviderEvent{
		Reference: "pay-2", Outcome: domain.OutcomeSuccess, AccountID: "acct-1", Amount: 500,
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if got := f.balance(t, "acct-1"); got != 100 {
		t.Fatalf("amountless verify credited funds: balance = %d", got)
	}
}

func TestInitiateDepositMintsDistinctReferences(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	ctx := context.Background()

	ref1, _, err := f.svc.InitiateDeposit(ctx, "acct-1", 500)
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	ref2, _, err := f.svc.InitiateDeposit(ctx, "acct-1", 900)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if ref1 == ref2 {
		t.Fatalf("both deposits share reference %q", ref1)
	}
	if len(f.provider.initRefs) != 2 || f.provider.initRefs[0] != ref1 || f.provider.initRefs[1] != ref2 {
		t.Fatalf("provider saw references %v, want [%s %s]", f.provider.initRefs, ref1, ref2)
	}

	// Both webhook credits land: distinct references, no replay collapse.
	for i, c := range []struct {
		ref    string
		amount int64
	}{{ref1, 500}, {ref2, 900}} {
		f.provider.verifyTxResult = domain.ProviderResult{Outcome: domain.OutcomeSuccess, Amount: c.amount}
		ev := ProviderEvent{Reference: c.ref, Outcome: domain.OutcomeSuccess, AccountID: "acct-1", Amount: c.amount}
		if err := f.svc.HandleProviderEvent(ctx, ev); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	if got := f.balance(t, "acct-1"); got != 1_400 {
		t.Fatalf("balance = %d, want both deposits credited (1400)", got)
	}
}

func TestHandleProviderEventWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 10_000)
	ctx := context.Background()

	w, err := f.svc.RequestWithdrawal(ctx, WithdrawRequest{
		AccountID:    "acct-1",
		Amount:       5_000,
		Destination:  domain.Destination{AccountNumber: "0123456789", BankCode: "058"},
		Reference:    "wd-1",
		PinConfirmed: true,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := f.svc.HandleProviderEvent(ctx, ProviderEvent{Reference: "wd-1", Outcome: domain.OutcomeSuccess}); err != nil {
		t.Fatalf("event: %v", err)
	}
	done, err := f.db.Withdrawal(ctx, w.ID)
	if err != nil || done.Status != domain.WithdrawalCompleted {
		t.Fatalf("withdrawal = %+v err=%v, want completed via webhook", done, err)
	}
	// Replay after completion is a no-op.
	if err := f.svc.HandleProviderEvent(ctx, ProviderEvent{Reference: "wd-1", Outcome: domain.OutcomeSuccess}); err != nil {
		t.Fatalf("replayed event: %v", err)
	}
}
