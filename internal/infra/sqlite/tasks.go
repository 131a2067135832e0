package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

// ─── Task Operations ────────────────────────────────────────────────────────

const taskCols = `id, title, action, target_id, reward, max_completions, completed_count, active, created_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var active int
	var createdAt string
	err := scan(&t.ID, &t.Title, &t.Action, &t.TargetID, &t.Reward,
		&t.MaxCompletions, &t.CompletedCount, &active, &createdAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Active = active == 1
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

// Task retrieves a task by ID.
func (d *DB) Task(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, d.db, id)
}

// Task retrieves a task by ID within the transaction.
func (t *Tx) Task(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, t.tx, id)
}

// InsertTask registers a rewardable task.
func (d *DB) InsertTask(ctx context.Context, task domain.Task) error {
	active := 0
	if task.Active {
		active = 1
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, action, target_id, reward, max_completions, completed_count, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, string(task.Action), task.TargetID, task.Reward,
		task.MaxCompletions, task.CompletedCount, active, fmtTime(task.CreatedAt))
	return err
}

// RecordCompletion increments the task's completed count and, when the
// count reaches max_completions, deactivates it in the same statement.
func (t *Tx) RecordCompletion(ctx context.Context, taskID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET
			completed_count = completed_count + 1,
			active = CASE
				WHEN max_completions > 0 AND completed_count + 1 >= max_completions THEN 0
				ELSE active
			END
		WHERE id = ? AND active = 1`, taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrTaskInactive
	}
	return nil
}

// ReleaseCompletion decrements the count after a revocation and
// reactivates the task if the freed slot restores spare capacity.
func (t *Tx) ReleaseCompletion(ctx context.Context, taskID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET
			completed_count = MAX(completed_count - 1, 0),
			active = CASE
				WHEN max_completions = 0 OR completed_count - 1 < max_completions THEN 1
				ELSE active
			END
		WHERE id = ?`, taskID)
	return err
}

// ─── Completion Operations ──────────────────────────────────────────────────

const completionCols = `id, task_id, account_id, status, reward, verified_at,
	rewarded_at, reverify_until, clawback_shortfall, created_at`

func scanCompletion(scan func(dest ...any) error) (domain.TaskCompletion, error) {
	var c domain.TaskCompletion
	var verifiedAt, rewardedAt, reverifyUntil, createdAt string
	err := scan(&c.ID, &c.TaskID, &c.AccountID, &c.Status, &c.Reward,
		&verifiedAt, &rewardedAt, &reverifyUntil, &c.ClawbackShortfall, &createdAt)
	if err != nil {
		return domain.TaskCompletion{}, err
	}
	c.VerifiedAt = parseTime(verifiedAt)
	c.RewardedAt = parseTime(rewardedAt)
	c.ReverifyUntil = parseTime(reverifyUntil)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func findCompletion(ctx context.Context, q querier, taskID, accountID string) (domain.TaskCompletion, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+completionCols+` FROM task_completions WHERE task_id = ? AND account_id = ?`,
		taskID, accountID)
	c, err := scanCompletion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskCompletion{}, false, nil
	}
	if err != nil {
		return domain.TaskCompletion{}, false, err
	}
	return c, true, nil
}

// FindCompletion returns the (task, account) completion row if any.
func (t *Tx) FindCompletion(ctx context.Context, taskID, accountID string) (domain.TaskCompletion, bool, error) {
	return findCompletion(ctx, t.tx, taskID, accountID)
}

// FindCompletion returns the (task, account) completion row if any.
func (d *DB) FindCompletion(ctx context.Context, taskID, accountID string) (domain.TaskCompletion, bool, error) {
	return findCompletion(ctx, d.db, taskID, accountID)
}

// Completion retrieves a completion by ID within the transaction.
func (t *Tx) Completion(ctx context.Context, id string) (domain.TaskCompletion, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+completionCols+` FROM task_completions WHERE id = ?`, id)
	c, err := scanCompletion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskCompletion{}, domain.ErrNotFound
	}
	return c, err
}

// UpsertCompletion inserts or fully rewrites the completion row for
// its (task, account) pair.
func (t *Tx) UpsertCompletion(ctx context.Context, c domain.TaskCompletion) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_completions (id, task_id, account_id, status, reward,
			verified_at, rewarded_at, reverify_until, clawback_shortfall, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, account_id) DO UPDATE SET
			status = excluded.status,
			reward = excluded.reward,
			verified_at = excluded.verified_at,
			rewarded_at = excluded.rewarded_at,
			reverify_until = excluded.reverify_until,
			clawback_shortfall = excluded.clawback_shortfall`,
		c.ID, c.TaskID, c.AccountID, string(c.Status), c.Reward,
		fmtTime(c.VerifiedAt), fmtTime(c.RewardedAt), fmtTime(c.ReverifyUntil),
		c.ClawbackShortfall, fmtTime(c.CreatedAt))
	return err
}

// TransitionCompletion moves a completion from one status to another.
// Single-winner: returns false if the row was not in the from status.
func (t *Tx) TransitionCompletion(ctx context.Context, id string, from, to domain.CompletionStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE task_completions SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetClawbackShortfall records the unrecovered slice of a revocation.
func (t *Tx) SetClawbackShortfall(ctx context.Context, id string, shortfall int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE task_completions SET clawback_shortfall = ? WHERE id = ?`, shortfall, id)
	return err
}

// ReverifiableCompletions returns rewarded completions still inside
// their re-verification window.
func (d *DB) ReverifiableCompletions(ctx context.Context, now time.Time, limit int) ([]domain.TaskCompletion, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+completionCols+` FROM task_completions
		WHERE status = 'rewarded' AND reverify_until >= ?
		ORDER BY rewarded_at LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskCompletion
	for rows.Next() {
		c, err := scanCompletion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Verification Attempts ──────────────────────────────────────────────────

// RecordAttempt logs one verification attempt for rate limiting and
// fraud scoring.
func (d *DB) RecordAttempt(ctx context.Context, accountID, taskID string, ok, duplicate bool, at time.Time) error {
	okInt, dupInt := 0, 0
	if ok {
		okInt = 1
	}
	if duplicate {
		dupInt = 1
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO verification_attempts (account_id, task_id, ok, duplicate, at) VALUES (?, ?, ?, ?, ?)`,
		accountID, taskID, okInt, dupInt, fmtTime(at))
	return err
}

// LastAttemptAt returns the most recent attempt time for a pair.
func (d *DB) LastAttemptAt(ctx context.Context, accountID, taskID string) (time.Time, bool, error) {
	var at string
	err := d.db.QueryRowContext(ctx,
		`SELECT at FROM verification_attempts WHERE account_id = ? AND task_id = ? ORDER BY at DESC LIMIT 1`,
		accountID, taskID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(at), true, nil
}
