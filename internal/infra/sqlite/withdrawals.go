package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Withdrawal Operations ──────────────────────────────────────────────────

const withdrawalCols = `id, account_id, amount, dest_account, dest_bank, dest_name,
	reference, status, risk_score, risk_factors, hold_id, failure_reason, created_at, updated_at`

func scanWithdrawal(scan func(dest ...any) error) (domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	var factors, createdAt, updatedAt string
	err := scan(&w.ID, &w.AccountID, &w.Amount, &w.Destination.AccountNumber,
		&w.Destination.BankCode, &w.Destination.AccountName, &w.Reference, &w.Status,
		&w.RiskScore, &factors, &w.HoldID, &w.FailureReason, &createdAt, &updatedAt)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if factors != "" {
		_ = json.Unmarshal([]byte(factors), &w.RiskFactors)
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func getWithdrawal(ctx context.Context, q querier, id string) (domain.WithdrawalRequest, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawal_requests WHERE id = ?`, id)
	w, err := scanWithdrawal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WithdrawalRequest{}, domain.ErrNotFound
	}
	return w, err
}

// Withdrawal retrieves a request by ID.
func (d *DB) Withdrawal(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	return getWithdrawal(ctx, d.db, id)
}

// Withdrawal retrieves a request by ID within the transaction.
func (t *Tx) Withdrawal(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	return getWithdrawal(ctx, t.tx, id)
}

// FindWithdrawalByReference looks a request up by its idempotency key.
func (d *DB) FindWithdrawalByReference(ctx context.Context, reference string) (domain.WithdrawalRequest, bool, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawal_requests WHERE reference = ?`, reference)
	w, err := scanWithdrawal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WithdrawalRequest{}, false, nil
	}
	if err != nil {
		return domain.WithdrawalRequest{}, false, err
	}
	return w, true, nil
}

// InsertWithdrawal creates a settlement attempt row.
func (t *Tx) InsertWithdrawal(ctx context.Context, w domain.WithdrawalRequest) error {
	factors, _ := json.Marshal(w.RiskFactors)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (id, account_id, amount, dest_account, dest_bank, dest_name,
			reference, status, risk_score, risk_factors, hold_id, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.AccountID, w.Amount, w.Destination.AccountNumber, w.Destination.BankCode,
		w.Destination.AccountName, w.Reference, string(w.Status), w.RiskScore, string(factors),
		w.HoldID, w.FailureReason, fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateReference
	}
	return err
}

// TransitionWithdrawal moves a request between states. Single-winner.
func (t *Tx) TransitionWithdrawal(ctx context.Context, id string, from, to domain.WithdrawalStatus, failureReason string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), failureReason, fmtTime(now), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AttachHold records the hold backing a processing request.
func (t *Tx) AttachHold(ctx context.Context, id, holdID string, destName string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE withdrawal_requests SET hold_id = ?, dest_name = ?, updated_at = ? WHERE id = ?`,
		holdID, destName, fmtTime(now), id)
	return err
}

// WithdrawnInWindow sums non-terminal-failed withdrawal amounts since
// the cutoff, for the daily-limit check. Denied and failed attempts do
// not consume the limit.
func (d *DB) WithdrawnInWindow(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM withdrawal_requests
		WHERE account_id = ? AND created_at >= ?
		  AND status IN ('pending_review','processing','completed')`,
		accountID, fmtTime(since)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// CountFailedWithdrawals counts failed or denied attempts since the
// cutoff; a fraud-scorer input.
func (d *DB) CountFailedWithdrawals(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM withdrawal_requests
		WHERE account_id = ? AND created_at >= ? AND status IN ('failed','denied')`,
		accountID, fmtTime(since)).Scan(&n)
	return n, err
}

// ProcessingWithdrawals returns requests stuck in processing since
// before the cutoff — transfer outcome unknown, poller territory.
func (d *DB) ProcessingWithdrawals(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+withdrawalCols+` FROM withdrawal_requests
		WHERE status = 'processing' AND updated_at < ?
		ORDER BY updated_at LIMIT ?`, fmtTime(updatedBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

// FailedWithdrawalsWithActiveHolds returns the manual-reconciliation
// queue: transfers that failed while their hold stayed reserved.
func (d *DB) FailedWithdrawalsWithActiveHolds(ctx context.Context) ([]domain.WithdrawalRequest, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+wPrefixed(withdrawalCols)+` FROM withdrawal_requests w
		JOIN holds h ON h.id = w.hold_id
		WHERE w.status = 'failed' AND h.status = 'active'
		ORDER BY w.updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

// wPrefixed qualifies each column with the "w." table alias for joins.
func wPrefixed(cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = "w." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func collectWithdrawals(rows *sql.Rows) ([]domain.WithdrawalRequest, error) {
	var out []domain.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
