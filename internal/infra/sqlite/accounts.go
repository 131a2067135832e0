package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Account Operations ─────────────────────────────────────────────────────

const accountCols = `id, balance, total_credited, total_debited, version,
	fraud_score, suspended, email_verified, referral_count, created_at, last_transaction_at`

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var suspended, emailVerified int
	var createdAt, lastTx string
	err := row.Scan(&a.ID, &a.Balance, &a.TotalCredited, &a.TotalDebited, &a.Version,
		&a.FraudScore, &suspended, &emailVerified, &a.ReferralCount, &createdAt, &lastTx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	a.Suspended = suspended == 1
	a.EmailVerified = emailVerified == 1
	a.CreatedAt = parseTime(createdAt)
	a.LastTransactionAt = parseTime(lastTx)
	return a, nil
}

func getAccount(ctx context.Context, q querier, id string) (domain.Account, error) {
	return scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
}

// Account retrieves an account outside any transaction.
func (d *DB) Account(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, d.db, id)
}

// Account retrieves an account within the transaction.
func (t *Tx) Account(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, t.tx, id)
}

// GetOrCreateAccount returns the account, creating an empty record on
// first access. Accounts are created lazily; there is no explicit
// registration step in the ledger core.
func (t *Tx) GetOrCreateAccount(ctx context.Context, id string, now time.Time) (domain.Account, error) {
	acct, err := getAccount(ctx, t.tx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO accounts (id, created_at) VALUES (?, ?)`, id, fmtTime(now))
	if err != nil {
		return domain.Account{}, err
	}
	return getAccount(ctx, t.tx, id)
}

// UpdateAccountBalance writes the account's balance aggregates guarded
// by the optimistic version column. Returns ErrConflict when another
// writer advanced the version first; callers retry the whole unit.
func (t *Tx) UpdateAccountBalance(ctx context.Context, a domain.Account, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, total_credited = ?, total_debited = ?,
		    version = version + 1, last_transaction_at = ?
		WHERE id = ? AND version = ?`,
		a.Balance, a.TotalCredited, a.TotalDebited, fmtTime(now), a.ID, a.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// SetAccountRisk updates the fraud score and suspension flag.
func (t *Tx) SetAccountRisk(ctx context.Context, id string, fraudScore int, suspended bool) error {
	susp := 0
	if suspended {
		susp = 1
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET fraud_score = ?, suspended = ? WHERE id = ?`,
		fraudScore, susp, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetAccountProfile updates the identity-adjacent fields consumed by
// the fraud scorer. Profile ownership lives outside the core; this is
// the ingestion point for its signals.
func (d *DB) SetAccountProfile(ctx context.Context, id string, emailVerified bool, referralCount int, createdAt time.Time) error {
	verified := 0
	if emailVerified {
		verified = 1
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email_verified, referral_count, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email_verified = excluded.email_verified,
			referral_count = excluded.referral_count`,
		id, verified, referralCount, fmtTime(createdAt))
	return err
}
