package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Vending Operations ─────────────────────────────────────────────────────

const vendingCols = `id, account_id, amount, item, reference, status, hold_id, failure_reason, created_at, updated_at`

func scanVending(scan func(dest ...any) error) (domain.VendingOrder, error) {
	var v domain.VendingOrder
	var createdAt, updatedAt string
	err := scan(&v.ID, &v.AccountID, &v.Amount, &v.Item, &v.Reference, &v.Status,
		&v.HoldID, &v.FailureReason, &createdAt, &updatedAt)
	if err != nil {
		return domain.VendingOrder{}, err
	}
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return v, nil
}

// VendingOrder retrieves an order by ID.
func (d *DB) VendingOrder(ctx context.Context, id string) (domain.VendingOrder, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+vendingCols+` FROM vending_orders WHERE id = ?`, id)
	v, err := scanVending(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VendingOrder{}, domain.ErrNotFound
	}
	return v, err
}

// FindVendingByReference looks an order up by its idempotency key.
func (d *DB) FindVendingByReference(ctx context.Context, reference string) (domain.VendingOrder, bool, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+vendingCols+` FROM vending_orders WHERE reference = ?`, reference)
	v, err := scanVending(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VendingOrder{}, false, nil
	}
	if err != nil {
		return domain.VendingOrder{}, false, err
	}
	return v, true, nil
}

// InsertVendingOrder creates an order row.
func (t *Tx) InsertVendingOrder(ctx context.Context, v domain.VendingOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO vending_orders (id, account_id, amount, item, reference, status, hold_id, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.AccountID, v.Amount, v.Item, v.Reference, string(v.Status),
		v.HoldID, v.FailureReason, fmtTime(v.CreatedAt), fmtTime(v.UpdatedAt))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateReference
	}
	return err
}

// TransitionVending moves an order between states. Single-winner on
// the from status.
func (t *Tx) TransitionVending(ctx context.Context, id string, from, to domain.VendingStatus, failureReason string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE vending_orders SET status = ?, failure_reason = ?, updated_at = ?
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

// UnresolvedVending returns orders whose provider call timed out.
func (d *DB) UnresolvedVending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.VendingOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+vendingCols+` FROM vending_orders
		WHERE status IN ('unknown','sent') AND updated_at < ?
		ORDER BY updated_at LIMIT ?`, fmtTime(updatedBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VendingOrder
	for rows.Next() {
		v, err := scanVending(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
