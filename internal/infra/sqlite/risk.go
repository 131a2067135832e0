package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Risk Snapshot Assembly ─────────────────────────────────────────────────
// The fraud scorer is a pure function; everything time- or history-
// dependent is frozen here so a snapshot can be replayed in tests and
// audits with identical results.

// RiskSnapshot assembles the account's scoring inputs as of now.
func (d *DB) RiskSnapshot(ctx context.Context, accountID string, now time.Time) (domain.RiskSnapshot, error) {
	snap := domain.RiskSnapshot{AccountID: accountID}

	acct, err := d.Account(ctx, accountID)
	if err == nil {
		snap.AccountAgeDays = acct.AgeDays(now)
		snap.EmailVerified = acct.EmailVerified
		snap.ReferralCount = acct.ReferralCount
	} else if err != domain.ErrNotFound {
		return domain.RiskSnapshot{}, err
	}

	dayAgo := fmtTime(now.Add(-24 * time.Hour))
	halfHourAgo := fmtTime(now.Add(-30 * time.Minute))

	if err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_attempts
		WHERE account_id = ? AND ok = 0 AND at >= ?`,
		accountID, dayAgo).Scan(&snap.FailedVerifications24h); err != nil {
		return domain.RiskSnapshot{}, err
	}

	if err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_completions
		WHERE account_id = ? AND status = 'rewarded' AND rewarded_at >= ?`,
		accountID, halfHourAgo).Scan(&snap.Completions30m); err != nil {
		return domain.RiskSnapshot{}, err
	}

	if err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_attempts
		WHERE account_id = ? AND duplicate = 1 AND at >= ?`,
		accountID, dayAgo).Scan(&snap.DuplicateTaskAttempts); err != nil {
		return domain.RiskSnapshot{}, err
	}

	var avg, typical sql.NullFloat64
	if err := d.db.QueryRowContext(ctx, `
		SELECT AVG(reward) FROM task_completions
		WHERE account_id = ? AND status IN ('rewarded','revoked')`,
		accountID).Scan(&avg); err != nil {
		return domain.RiskSnapshot{}, err
	}
	snap.AvgRecentReward = avg.Float64

	if err := d.db.QueryRowContext(ctx,
		`SELECT AVG(reward) FROM tasks`).Scan(&typical); err != nil {
		return domain.RiskSnapshot{}, err
	}
	snap.TypicalReward = typical.Float64

	failedWd, err := d.CountFailedWithdrawals(ctx, accountID, now.Add(-24*time.Hour))
	if err != nil {
		return domain.RiskSnapshot{}, err
	}
	snap.FailedWithdrawals24h = failedWd

	return snap, nil
}
