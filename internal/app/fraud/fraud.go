// Package fraud implements the risk scorer. Score is a pure function
// over a frozen history snapshot: the same snapshot always produces
// the same score and indicator list, which keeps every settlement
// decision auditable after the fact.
package fraud

import (
	"sort"

	"github.com/stipend-network/stipend/internal/domain"
	"github.com/stipend-network/stipend/internal/infra/observability"
)

// ─── Thresholds ─────────────────────────────────────────────────────────────

const (
	// ReviewThreshold routes withdrawals to manual review.
	ReviewThreshold = 50
	// BlockThreshold rejects the operation outright.
	BlockThreshold = 80
	// SuspendStrikes is the cumulative revocation-strike count at which
	// an account is suspended. Strikes accrue on reward revocations,
	// not on computed scores.
	SuspendStrikes = 5
	// MaxScore caps the additive model.
	MaxScore = 100
)

// Band names a score range.
type Band string

const (
	BandLow      Band = "low"      // < 25
	BandMedium   Band = "medium"   // 25–49
	BandHigh     Band = "high"     // 50–79, manual review for withdrawals
	BandCritical Band = "critical" // >= 80, block outright
)

// BandOf maps a score to its band.
func BandOf(score int) Band {
	switch {
	case score >= BlockThreshold:
		return BandCritical
	case score >= ReviewThreshold:
		return BandHigh
	case score >= 25:
		return BandMedium
	default:
		return BandLow
	}
}

// ─── Factor Weights ─────────────────────────────────────────────────────────
// Additive point model. Each factor fires at most once at its highest
// matching tier.

const (
	pointsBrandNewAccount  = 25 // younger than 1 day
	pointsYoungAccount     = 10 // younger than 7 days
	pointsEmailUnverified  = 10
	pointsManyFailedVerify = 20 // >= 5 failed verifications in 24h
	pointsSomeFailedVerify = 10 // >= 3
	pointsBurstVelocity    = 25 // >= 10 rewarded completions in 30m
	pointsHighVelocity     = 15 // >= 5
	pointsRepeatDuplicates = 15 // >= 3 duplicate task attempts
	pointsSomeDuplicates   = 5  // >= 1
	pointsAbnormalReward   = 15 // recent average > 3x platform typical
	pointsManyFailedWD     = 20 // >= 3 failed withdrawals in 24h
	pointsSomeFailedWD     = 10 // >= 1
	pointsReferralFarm     = 15 // young account with outsized referral count
)

// Score computes the additive risk score and the indicators that
// contributed. Indicators come back sorted so score output is stable
// regardless of evaluation order.
func Score(snap domain.RiskSnapshot) (int, []string) {
	score := 0
	var indicators []string
	add := func(points int, indicator string) {
		score += points
		indicators = append(indicators, indicator)
	}

	switch {
	case snap.AccountAgeDays < 1:
		add(pointsBrandNewAccount, "account_brand_new")
	case snap.AccountAgeDays < 7:
		add(pointsYoungAccount, "account_young")
	}

	if !snap.EmailVerified {
		add(pointsEmailUnverified, "email_unverified")
	}

	switch {
	case snap.FailedVerifications24h >= 5:
		add(pointsManyFailedVerify, "failed_verifications_high")
	case snap.FailedVerifications24h >= 3:
		add(pointsSomeFailedVerify, "failed_verifications_elevated")
	}

	switch {
	case snap.Completions30m >= 10:
		add(pointsBurstVelocity, "completion_velocity_burst")
	case snap.Completions30m >= 5:
		add(pointsHighVelocity, "completion_velocity_high")
	}

	switch {
	case snap.DuplicateTaskAttempts >= 3:
		add(pointsRepeatDuplicates, "duplicate_attempts_repeated")
	case snap.DuplicateTaskAttempts >= 1:
		add(pointsSomeDuplicates, "duplicate_attempts")
	}

	if snap.TypicalReward > 0 && snap.AvgRecentReward > 3*snap.TypicalReward {
		add(pointsAbnormalReward, "reward_average_abnormal")
	}

	switch {
	case snap.FailedWithdrawals24h >= 3:
		add(pointsManyFailedWD, "failed_withdrawals_high")
	case snap.FailedWithdrawals24h >= 1:
		add(pointsSomeFailedWD, "failed_withdrawals")
	}

	if snap.AccountAgeDays < 7 && snap.ReferralCount >= 20 {
		add(pointsReferralFarm, "referral_count_anomalous")
	}

	if score > MaxScore {
		score = MaxScore
	}
	sort.Strings(indicators)

	observability.FraudScores.Observe(float64(score))
	return score, indicators
}

// RevocationStrikes returns the strike increment for a revoked reward.
// Large rewards count double.
func RevocationStrikes(rewardAmount int64) int {
	if rewardAmount >= 500 {
		return 2
	}
	return 1
}
