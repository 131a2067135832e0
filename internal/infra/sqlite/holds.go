package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Hold Operations ────────────────────────────────────────────────────────

const holdCols = `id, account_id, amount, purpose, external_reference, status,
	reason, expires_at, metadata, created_at, resolved_at`

func scanHold(scan func(dest ...any) error) (domain.Hold, error) {
	var h domain.Hold
	var expiresAt, createdAt, resolvedAt string
	err := scan(&h.ID, &h.AccountID, &h.Amount, &h.Purpose, &h.ExternalReference,
		&h.Status, &h.Reason, &expiresAt, &h.Metadata, &createdAt, &resolvedAt)
	if err != nil {
		return domain.Hold{}, err
	}
	h.ExpiresAt = parseTime(expiresAt)
	h.CreatedAt = parseTime(createdAt)
	h.ResolvedAt = parseTime(resolvedAt)
	return h, nil
}

func getHold(ctx context.Context, q querier, id string) (domain.Hold, error) {
	row := q.QueryRowContext(ctx, `SELECT `+holdCols+` FROM holds WHERE id = ?`, id)
	h, err := scanHold(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Hold{}, domain.ErrNotFound
	}
	return h, err
}

// Hold retrieves a hold by ID.
func (d *DB) Hold(ctx context.Context, id string) (domain.Hold, error) {
	return getHold(ctx, d.db, id)
}

// Hold retrieves a hold by ID within the transaction.
func (t *Tx) Hold(ctx context.Context, id string) (domain.Hold, error) {
	return getHold(ctx, t.tx, id)
}

// FindHoldByReference looks a hold up by its external idempotency key.
func (t *Tx) FindHoldByReference(ctx context.Context, externalReference string) (domain.Hold, bool, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+holdCols+` FROM holds WHERE external_reference = ?`, externalReference)
	h, err := scanHold(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Hold{}, false, nil
	}
	if err != nil {
		return domain.Hold{}, false, err
	}
	return h, true, nil
}

// InsertHold inserts a new active hold.
func (t *Tx) InsertHold(ctx context.Context, h domain.Hold) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO holds (id, account_id, amount, purpose, external_reference, status,
			reason, expires_at, metadata, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.AccountID, h.Amount, string(h.Purpose), h.ExternalReference, string(h.Status),
		h.Reason, fmtTime(h.ExpiresAt), h.Metadata, fmtTime(h.CreatedAt), fmtTime(h.ResolvedAt))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateReference
	}
	return err
}

// TransitionHold moves an active hold to a terminal status. The WHERE
// clause on status='active' makes it a single-winner transition: the
// second of two racing terminators sees zero rows and gets false.
func (t *Tx) TransitionHold(ctx context.Context, id string, to domain.HoldStatus, reason string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE holds SET status = ?, reason = ?, resolved_at = ?
		WHERE id = ? AND status = 'active'`,
		string(to), reason, fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpiredActiveHolds returns active holds whose TTL has lapsed, oldest
// first, for the sweep to refund.
func (d *DB) ExpiredActiveHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+holdCols+` FROM holds
		WHERE status = 'active' AND expires_at < ?
		ORDER BY expires_at LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHolds(rows)
}

// OpenHolds returns every active hold, soonest expiry first. Used to
// rebuild the in-memory expiry index on startup.
func (d *DB) OpenHolds(ctx context.Context, limit int) ([]domain.Hold, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+holdCols+` FROM holds
		WHERE status = 'active'
		ORDER BY expires_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHolds(rows)
}

// ActiveHolds returns an account's live reservations.
func (d *DB) ActiveHolds(ctx context.Context, accountID string) ([]domain.Hold, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+holdCols+` FROM holds
		WHERE account_id = ? AND status = 'active'
		ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHolds(rows)
}

func collectHolds(rows *sql.Rows) ([]domain.Hold, error) {
	var holds []domain.Hold
	for rows.Next() {
		h, err := scanHold(rows.Scan)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}
