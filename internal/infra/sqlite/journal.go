package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Journal Operations ─────────────────────────────────────────────────────

const entryCols = `id, account_id, type, amount, reference, related_kind, related_id, status, created_at`

func scanEntry(scan func(dest ...any) error) (domain.Entry, error) {
	var e domain.Entry
	var createdAt string
	err := scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &e.Reference,
		&e.Related.Kind, &e.Related.ID, &e.Status, &createdAt)
	if err != nil {
		return domain.Entry{}, err
	}
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func findEntryByReference(ctx context.Context, q querier, reference string) (domain.Entry, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM journal WHERE reference = ?`, reference)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, false, nil
	}
	if err != nil {
		return domain.Entry{}, false, err
	}
	return e, true, nil
}

// FindEntryByReference looks up a journal entry by its idempotency
// reference inside the transaction.
func (t *Tx) FindEntryByReference(ctx context.Context, reference string) (domain.Entry, bool, error) {
	return findEntryByReference(ctx, t.tx, reference)
}

// FindEntryByReference looks up a journal entry outside a transaction.
func (d *DB) FindEntryByReference(ctx context.Context, reference string) (domain.Entry, bool, error) {
	return findEntryByReference(ctx, d.db, reference)
}

// InsertEntry appends one immutable journal row. A UNIQUE violation on
// reference surfaces as ErrDuplicateReference so ledger primitives can
// treat the race between two same-reference writers as a replay.
func (t *Tx) InsertEntry(ctx context.Context, e domain.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO journal (id, account_id, type, amount, reference, related_kind, related_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Type), e.Amount, e.Reference,
		string(e.Related.Kind), e.Related.ID, string(e.Status), fmtTime(e.CreatedAt))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateReference
	}
	return err
}

// RecentEntries returns the newest journal rows for an account.
func (d *DB) RecentEntries(ctx context.Context, accountID string, limit int) ([]domain.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM journal WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
