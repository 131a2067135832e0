package domain

import "context"

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// External systems the core consumes. Implementations live at the
// composition root; the core only sees these contracts and normalizes
// every provider response into a success/failure/pending tri-state.

// Verifier checks one kind of social action (follow, like, repost,
// comment). A task's ActionType selects which variant to use. Errors
// and timeouts are treated as "not verified", never as "verified".
type Verifier interface {
	Verify(ctx context.Context, actorID, targetID string) (bool, error)
}

// VerifierSet maps action types to their verifier variants.
type VerifierSet map[ActionType]Verifier

// Outcome is the normalized tri-state of a provider response. The core
// never interprets a specific provider's error vocabulary.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// ProviderResult is a normalized provider response plus the raw payload
// for audit. Raw is never parsed by the core. Amount is the provider's
// authoritative transaction amount where the call reports one (verify
// responses); zero means the provider gave none.
type ProviderResult struct {
	Outcome Outcome
	Amount  int64
	Raw     []byte
}

// TransferRequest describes an external payout.
type TransferRequest struct {
	Reference   string
	Amount      int64
	Destination Destination
	Narration   string
}

// PaymentProvider is the external money-movement boundary. Every call
// carries a bounded timeout via ctx; on timeout callers must treat the
// outcome as unknown, not failed.
type PaymentProvider interface {
	// InitializeTransaction opens an inbound payment under reference, a
	// freshly minted per-transaction idempotency key, and returns the
	// provider's checkout payload. accountID rides along as metadata so
	// the provider's webhook can attribute the eventual credit.
	InitializeTransaction(ctx context.Context, reference, accountID string, amount int64) (ProviderResult, error)

	// VerifyTransaction fetches the authoritative status of a
	// previously initiated transaction or transfer by reference.
	VerifyTransaction(ctx context.Context, reference string) (ProviderResult, error)

	// InitiateTransfer starts an outbound payout.
	InitiateTransfer(ctx context.Context, req TransferRequest) (ProviderResult, error)

	// VerifyAccount resolves a destination account name. An empty name
	// with nil error means the account could not be resolved.
	VerifyAccount(ctx context.Context, accountNumber, bankCode string) (string, error)
}

// VendingProvider fulfils vending purchases (airtime, data, gift
// cards). The call is synchronous and its failure response is
// authoritative, which is why vending failures auto-refund.
type VendingProvider interface {
	Vend(ctx context.Context, reference, item string, amount int64) (ProviderResult, error)
}

// Notification is a fire-and-forget event for the audit/notification
// sink. Delivery failures never roll back a settlement decision.
type Notification struct {
	Event     string `json:"event"`
	AccountID string `json:"account_id"`
	Reference string `json:"reference,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Notifier is the outbound notification sink.
type Notifier interface {
	Notify(n Notification)
}
