package domain

import "time"

// ─── Tasks & Reward Completions ─────────────────────────────────────────────

// ActionType selects the social verifier variant for a task.
type ActionType string

const (
	ActionFollow  ActionType = "follow"
	ActionLike    ActionType = "like"
	ActionRepost  ActionType = "repost"
	ActionComment ActionType = "comment"
)

// Task is a rewardable unit of work. MaxCompletions == 0 means
// unlimited; otherwise the task deactivates when CompletedCount
// reaches it, inside the same atomic unit as the final reward.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Action         ActionType `json:"action"`
	TargetID       string     `json:"target_id"`
	Reward         int64      `json:"reward"`
	MaxCompletions int        `json:"max_completions"`
	CompletedCount int        `json:"completed_count"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HasCapacity reports whether the task can accept another completion.
func (t *Task) HasCapacity() bool {
	return t.MaxCompletions == 0 || t.CompletedCount < t.MaxCompletions
}

// CompletionStatus is the reward lifecycle per (account, task) pair.
type CompletionStatus string

const (
	CompletionPending  CompletionStatus = "pending"
	CompletionVerified CompletionStatus = "verified"
	CompletionRewarded CompletionStatus = "rewarded"
	CompletionRevoked  CompletionStatus = "revoked"
	CompletionFailed   CompletionStatus = "failed"
)

// TaskCompletion tracks one account's reward lifecycle for one task.
// At most one non-revoked rewarded completion may exist per pair.
type TaskCompletion struct {
	ID                string           `json:"id"`
	TaskID            string           `json:"task_id"`
	AccountID         string           `json:"account_id"`
	Status            CompletionStatus `json:"status"`
	Reward            int64            `json:"reward"`
	VerifiedAt        time.Time        `json:"verified_at,omitempty"`
	RewardedAt        time.Time        `json:"rewarded_at,omitempty"`
	ReverifyUntil     time.Time        `json:"reverify_until,omitempty"`
	ClawbackShortfall int64            `json:"clawback_shortfall,omitempty"` // absorbed, not chased
	CreatedAt         time.Time        `json:"created_at"`
}

// RewardReference derives the credit reference for this completion.
func (c *TaskCompletion) RewardReference() string {
	return "reward:" + c.ID
}

// RevokeReference derives the clawback debit reference.
func (c *TaskCompletion) RevokeReference() string {
	return "revoke:" + c.ID
}

// ─── Withdrawals ────────────────────────────────────────────────────────────

// WithdrawalStatus is the withdrawal settlement state.
type WithdrawalStatus string

const (
	WithdrawalPendingReview WithdrawalStatus = "pending_review"
	WithdrawalProcessing    WithdrawalStatus = "processing"
	WithdrawalCompleted     WithdrawalStatus = "completed"
	WithdrawalFailed        WithdrawalStatus = "failed"
	WithdrawalDenied        WithdrawalStatus = "denied"
)

// Destination is an external bank account for a transfer.
type Destination struct {
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name,omitempty"` // resolved by the provider
}

// WithdrawalRequest is one withdrawal settlement attempt. When fraud
// scoring demands manual review it is created in pending_review with no
// funds touched; otherwise it carries the hold that reserved the funds.
type WithdrawalRequest struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	Amount        int64            `json:"amount"`
	Destination   Destination      `json:"destination"`
	Reference     string           `json:"reference"` // caller idempotency key
	Status        WithdrawalStatus `json:"status"`
	RiskScore     int              `json:"risk_score"`
	RiskFactors   []string         `json:"risk_factors,omitempty"`
	HoldID        string           `json:"hold_id,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ─── Vending ────────────────────────────────────────────────────────────────

// VendingStatus is the vending settlement state. Unknown means the
// provider call timed out after the hold was created: the outcome is
// unresolved and only the reconciliation poller may settle it.
type VendingStatus string

const (
	VendingInitiated VendingStatus = "initiated"
	VendingSent      VendingStatus = "sent"
	VendingSuccess   VendingStatus = "success"
	VendingFailed    VendingStatus = "failed"
	VendingUnknown   VendingStatus = "unknown"
)

// VendingOrder is one vending purchase settled through a hold.
type VendingOrder struct {
	ID            string        `json:"id"`
	AccountID     string        `json:"account_id"`
	Amount        int64         `json:"amount"`
	Item          string        `json:"item"`
	Reference     string        `json:"reference"`
	Status        VendingStatus `json:"status"`
	HoldID        string        `json:"hold_id,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ─── Risk Snapshot ──────────────────────────────────────────────────────────

// RiskSnapshot is the frozen history slice the fraud scorer consumes.
// Assembled from the journal and settlement records so that identical
// snapshots always produce identical scores.
type RiskSnapshot struct {
	AccountID              string  `json:"account_id"`
	AccountAgeDays         int     `json:"account_age_days"`
	EmailVerified          bool    `json:"email_verified"`
	FailedVerifications24h int     `json:"failed_verifications_24h"`
	Completions30m         int     `json:"completions_30m"`
	DuplicateTaskAttempts  int     `json:"duplicate_task_attempts"`
	AvgRecentReward        float64 `json:"avg_recent_reward"`
	TypicalReward          float64 `json:"typical_reward"` // platform-wide mean for comparison
	FailedWithdrawals24h   int     `json:"failed_withdrawals_24h"`
	ReferralCount          int     `json:"referral_count"`
}
