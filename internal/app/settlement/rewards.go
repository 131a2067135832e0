package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/stipend-network/stipend/internal/app/fraud"
	"github.com/stipend-network/stipend/internal/app/ledger"
	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// ─── Task Reward Settlement ─────────────────────────────────────────────────
// pending → verified → rewarded, with a post-hoc rewarded → revoked
// path driven by the re-verification cron. The verified → rewarded
// step, the task capacity bookkeeping, and the reward credit commit in
// one atomic unit.

// CompleteTask verifies the account's social action for the task and,
// on success, credits the reward. Replaying a completed pair returns
// the existing completion without a second credit.
func (s *Service) CompleteTask(ctx context.Context, accountID, taskID string) (domain.TaskCompletion, error) {
	acct, err := s.suspendedGuard(ctx, accountID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.TaskCompletion{}, err
	}
	if acct.FraudScore >= fraud.SuspendStrikes {
		return domain.TaskCompletion{}, domain.ErrAccountSuspended
	}

	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return domain.TaskCompletion{}, err
	}
	if !task.Active || !task.HasCapacity() {
		return domain.TaskCompletion{}, domain.ErrTaskInactive
	}

	now := s.now()
	existing, found, err := s.store.FindCompletion(ctx, taskID, accountID)
	if err != nil {
		return domain.TaskCompletion{}, err
	}
	if found {
		switch existing.Status {
		case domain.CompletionRewarded, domain.CompletionVerified:
			// One active completion per pair; the replay is absorbed but
			// the duplicate attempt still feeds the fraud history.
			if err := s.store.RecordAttempt(ctx, accountID, taskID, true, true, now); err != nil {
				return domain.TaskCompletion{}, err
			}
			observability.TaskCompletions.WithLabelValues("duplicate").Inc()
			return existing, nil
		case domain.CompletionRevoked:
			return domain.TaskCompletion{}, fmt.Errorf("%w: completion was revoked", domain.ErrValidation)
		}
	}

	if last, ok, err := s.store.LastAttemptAt(ctx, accountID, taskID); err != nil {
		return domain.TaskCompletion{}, err
	} else if ok && now.Sub(last) < s.cfg.RewardAttemptInterval {
		return domain.TaskCompletion{}, domain.ErrRateLimited
	}

	verified := s.verifyAction(ctx, task, accountID)
	if err := s.store.RecordAttempt(ctx, accountID, taskID, verified, false, now); err != nil {
		return domain.TaskCompletion{}, err
	}

	c := domain.TaskCompletion{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AccountID: accountID,
		Reward:    task.Reward,
		CreatedAt: now,
	}
	if found {
		// Keep the ID stable across retries of the same pair so the
		// reward reference never changes.
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	}

	if !verified {
		c.Status = domain.CompletionFailed
		err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
			return tx.UpsertCompletion(ctx, c)
		})
		if err != nil {
			return domain.TaskCompletion{}, err
		}
		observability.TaskCompletions.WithLabelValues("unverified").Inc()
		return domain.TaskCompletion{}, fmt.Errorf("%w: action not verified", domain.ErrValidation)
	}

	c.Status = domain.CompletionRewarded
	c.VerifiedAt = now
	c.RewardedAt = now
	c.ReverifyUntil = now.Add(s.cfg.ReverifyWindow)

	err = ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		// Claims the capacity slot; deactivates the task on the final
		// slot inside the same unit as the credit.
		if err := tx.RecordCompletion(ctx, taskID); err != nil {
			return err
		}
		if err := tx.UpsertCompletion(ctx, c); err != nil {
			return err
		}
		_, _, err := ledger.CreditTx(ctx, tx, now, accountID, task.Reward,
			c.RewardReference(), domain.Related{Kind: domain.RelatedTask, ID: c.ID})
		return err
	})
	if err != nil {
		return domain.TaskCompletion{}, err
	}

	observability.TaskCompletions.WithLabelValues("rewarded").Inc()
	s.notify(domain.Notification{
		Event: "task.rewarded", AccountID: accountID,
		Reference: c.RewardReference(), Amount: task.Reward,
	})
	return c, nil
}

// verifyAction runs the task's verifier with a bounded timeout. Errors
// and timeouts count as not verified, never as verified.
func (s *Service) verifyAction(ctx context.Context, task domain.Task, accountID string) bool {
	v, ok := s.verifiers[task.Action]
	if !ok {
		log.Printf("settlement: no verifier for action %q", task.Action)
		return false
	}
	vctx, cancel := s.providerCtx(ctx)
	defer cancel()

	verified, err := v.Verify(vctx, accountID, task.TargetID)
	if err != nil {
		log.Printf("settlement: verify %s/%s: %v", task.ID, accountID, err)
		return false
	}
	return verified
}

// Reverify re-checks a rewarded completion against the verifier. An
// authoritative "not verified" revokes the reward; provider errors and
// timeouts are unknown outcomes and leave the completion for the next
// cycle.
func (s *Service) Reverify(ctx context.Context, c domain.TaskCompletion) error {
	if c.Status != domain.CompletionRewarded {
		return nil
	}
	now := s.now()
	if now.After(c.ReverifyUntil) {
		return nil // window closed, reward is final
	}
	task, err := s.store.Task(ctx, c.TaskID)
	if err != nil {
		return err
	}

	v, ok := s.verifiers[task.Action]
	if !ok {
		return nil
	}
	vctx, cancel := s.providerCtx(ctx)
	defer cancel()
	verified, err := v.Verify(vctx, c.AccountID, task.TargetID)
	if err != nil {
		return fmt.Errorf("reverify %s: %w", c.ID, err)
	}
	if verified {
		return nil
	}
	_, err = s.Revoke(ctx, c.ID)
	return err
}

// Revoke claws a reward back. The debit floors at the current balance:
// the unrecoverable slice is absorbed and recorded on the completion,
// never chased into a negative balance. The account accrues revocation
// strikes and suspends at the strike threshold.
func (s *Service) Revoke(ctx context.Context, completionID string) (domain.TaskCompletion, error) {
	var out domain.TaskCompletion
	var shortfall int64
	var suspended bool

	err := ledger.RunAtomic(ctx, s.store, func(tx *sqlite.Tx) error {
		shortfall, suspended = 0, false

		c, err := tx.Completion(ctx, completionID)
		if err != nil {
			return err
		}
		won, err := tx.TransitionCompletion(ctx, completionID, domain.CompletionRewarded, domain.CompletionRevoked)
		if err != nil {
			return err
		}
		if !won {
			if c.Status == domain.CompletionRevoked {
				out = c
				return nil
			}
			return fmt.Errorf("%w: completion %s is %s, not rewarded", domain.ErrInvalidState, completionID, c.Status)
		}

		now := s.now()
		acct, err := tx.GetOrCreateAccount(ctx, c.AccountID, now)
		if err != nil {
			return err
		}
		clawback := c.Reward
		if acct.Balance < clawback {
			clawback = acct.Balance
		}
		if clawback > 0 {
			if _, _, err := ledger.DebitTx(ctx, tx, now, c.AccountID, clawback,
				c.RevokeReference(), domain.Related{Kind: domain.RelatedTask, ID: c.ID}); err != nil {
				return err
			}
		}
		shortfall = c.Reward - clawback
		if err := tx.SetClawbackShortfall(ctx, completionID, shortfall); err != nil {
			return err
		}
		if err := tx.ReleaseCompletion(ctx, c.TaskID); err != nil {
			return err
		}

		strikes := acct.FraudScore + fraud.RevocationStrikes(c.Reward)
		suspended = strikes >= fraud.SuspendStrikes
		if err := tx.SetAccountRisk(ctx, c.AccountID, strikes, suspended); err != nil {
			return err
		}

		c.Status = domain.CompletionRevoked
		c.ClawbackShortfall = shortfall
		out = c
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			logInvalidState("revoke", completionID, err)
		}
		return domain.TaskCompletion{}, err
	}

	recovery := "full"
	if shortfall > 0 {
		recovery = "partial"
		observability.ClawbackShortfall.Add(float64(shortfall))
	}
	observability.Revocations.WithLabelValues(recovery).Inc()
	if suspended {
		observability.AccountsSuspended.Inc()
	}
	s.notify(domain.Notification{
		Event: "task.revoked", AccountID: out.AccountID,
		Reference: out.RevokeReference(), Amount: out.Reward,
		Detail: fmt.Sprintf("shortfall=%d", shortfall),
	})
	return out, nil
}

// ReverifyDue runs one re-verification pass over rewarded completions
// still inside their window. Returns the number revoked.
func (s *Service) ReverifyDue(ctx context.Context, limit int) (int, error) {
	candidates, err := s.store.ReverifiableCompletions(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, c := range candidates {
		before := c.Status
		if err := s.Reverify(ctx, c); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return revoked, err
			}
			log.Printf("settlement: reverify %s: %v", c.ID, err)
			continue
		}
		if before == domain.CompletionRewarded {
			after, err := s.completionStatus(ctx, c.ID)
			if err == nil && after == domain.CompletionRevoked {
				revoked++
			}
		}
	}
	return revoked, nil
}

func (s *Service) completionStatus(ctx context.Context, id string) (domain.CompletionStatus, error) {
	var status domain.CompletionStatus
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		c, err := tx.Completion(ctx, id)
		if err != nil {
			return err
		}
		status = c.Status
		return nil
	})
	return status, err
}

// CreateTask registers a rewardable task.
func (s *Service) CreateTask(ctx context.Context, title string, action domain.ActionType, targetID string, reward int64, maxCompletions int) (domain.Task, error) {
	if title == "" || targetID == "" || reward <= 0 || maxCompletions < 0 {
		return domain.Task{}, fmt.Errorf("%w: title, target and positive reward required", domain.ErrValidation)
	}
	if _, ok := s.verifiers[action]; !ok {
		return domain.Task{}, fmt.Errorf("%w: unsupported action %q", domain.ErrValidation, action)
	}
	task := domain.Task{
		ID:             uuid.New().String(),
		Title:          title,
		Action:         action,
		TargetID:       targetID,
		Reward:         reward,
		MaxCompletions: maxCompletions,
		Active:         true,
		CreatedAt:      s.now(),
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}
