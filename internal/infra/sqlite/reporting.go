package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Reporting Queries ──────────────────────────────────────────────────────

// Statement is an account's balance view plus its recent journal.
type Statement struct {
	Account domain.Account `json:"account"`
	Held    int64          `json:"held"` // sum of active holds
	Entries []domain.Entry `json:"entries"`
}

// Statement builds the account statement used by the reporting API.
func (d *DB) Statement(ctx context.Context, accountID string, limit int) (Statement, error) {
	acct, err := d.Account(ctx, accountID)
	if err != nil {
		return Statement{}, err
	}
	entries, err := d.RecentEntries(ctx, accountID, limit)
	if err != nil {
		return Statement{}, err
	}
	var held sql.NullInt64
	err = d.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM holds WHERE account_id = ? AND status = 'active'`,
		accountID).Scan(&held)
	if err != nil {
		return Statement{}, err
	}
	return Statement{Account: acct, Held: held.Int64, Entries: entries}, nil
}

// ReconciliationSummary counts the unresolved work the ops queue and
// the background jobs are responsible for.
type ReconciliationSummary struct {
	ActiveHolds            int   `json:"active_holds"`
	ExpiredActiveHolds     int   `json:"expired_active_holds"`
	FailedTransfers        int   `json:"failed_transfers"` // failed withdrawals with funds still held
	UnresolvedWithdrawals  int   `json:"unresolved_withdrawals"`
	UnresolvedVending      int   `json:"unresolved_vending"`
	AbsorbedClawbackMinor  int64 `json:"absorbed_clawback_minor"`
	RevokedCompletions     int   `json:"revoked_completions"`
	PendingReviewRequests  int   `json:"pending_review_requests"`
}

// Reconciliation builds the summary as of now.
func (d *DB) Reconciliation(ctx context.Context, now time.Time) (ReconciliationSummary, error) {
	var s ReconciliationSummary

	counts := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&s.ActiveHolds, `SELECT COUNT(*) FROM holds WHERE status = 'active'`, nil},
		{&s.ExpiredActiveHolds, `SELECT COUNT(*) FROM holds WHERE status = 'active' AND expires_at < ?`, []any{fmtTime(now)}},
		{&s.FailedTransfers, `SELECT COUNT(*) FROM withdrawal_requests w JOIN holds h ON h.id = w.hold_id WHERE w.status = 'failed' AND h.status = 'active'`, nil},
		{&s.UnresolvedWithdrawals, `SELECT COUNT(*) FROM withdrawal_requests WHERE status = 'processing'`, nil},
		{&s.UnresolvedVending, `SELECT COUNT(*) FROM vending_orders WHERE status IN ('unknown','sent')`, nil},
		{&s.RevokedCompletions, `SELECT COUNT(*) FROM task_completions WHERE status = 'revoked'`, nil},
		{&s.PendingReviewRequests, `SELECT COUNT(*) FROM withdrawal_requests WHERE status = 'pending_review'`, nil},
	}
	for _, c := range counts {
		if err := d.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return ReconciliationSummary{}, err
		}
	}

	var absorbed sql.NullInt64
	if err := d.db.QueryRowContext(ctx,
		`SELECT SUM(clawback_shortfall) FROM task_completions WHERE status = 'revoked'`).Scan(&absorbed); err != nil {
		return ReconciliationSummary{}, err
	}
	s.AbsorbedClawbackMinor = absorbed.Int64
	return s, nil
}
