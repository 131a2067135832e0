package fraud

import (
	"reflect"
	"testing"

	"github.com/stipend-network/stipend/internal/domain"
)

func cleanSnapshot() domain.RiskSnapshot {
	return domain.RiskSnapshot{
		AccountAgeDays: 90,
		EmailVerified:  true,
		TypicalReward:  100,
		AvgRecentReward: 100,
	}
}

func TestScoreCleanAccount(t *testing.T) {
	score, indicators := Score(cleanSnapshot())
	if score != 0 {
		t.Fatalf("score = %d, want 0", score)
	}
	if len(indicators) != 0 {
		t.Fatalf("indicators = %v, want none", indicators)
	}
	if BandOf(score) != BandLow {
		t.Fatalf("band = %s, want low", BandOf(score))
	}
}

func TestScoreTiersFireOnce(t *testing.T) {
	snap := cleanSnapshot()
	snap.AccountAgeDays = 0 // brand new subsumes young

	score, indicators := Score(snap)
	if score != pointsBrandNewAccount {
		t.Fatalf("score = %d, want %d", score, pointsBrandNewAccount)
	}
	if !reflect.DeepEqual(indicators, []string{"account_brand_new"}) {
		t.Fatalf("indicators = %v", indicators)
	}
}

func TestScoreDeterministic(t *testing.T) {
	snap := domain.RiskSnapshot{
		AccountAgeDays:         2,
		EmailVerified:          false,
		FailedVerifications24h: 4,
		Completions30m:         6,
		DuplicateTaskAttempts:  1,
		AvgRecentReward:        900,
		TypicalReward:          100,
		FailedWithdrawals24h:   1,
		ReferralCount:          25,
	}

	firstScore, firstIndicators := Score(snap)
	for i := 0; i < 10; i++ {
		score, indicators := Score(snap)
		if score != firstScore || !reflect.DeepEqual(indicators, firstIndicators) {
			t.Fatalf("run %d diverged: %d/%v vs %d/%v", i, score, indicators, firstScore, firstIndicators)
		}
	}
}

func TestScoreCapsAtMax(t *testing.T) {
	snap := domain.RiskSnapshot{
		AccountAgeDays:         0,
		EmailVerified:          false,
		FailedVerifications24h: 10,
		Completions30m:         20,
		DuplicateTaskAttempts:  5,
		AvgRecentReward:        10000,
		TypicalReward:          100,
		FailedWithdrawals24h:   5,
		ReferralCount:          50,
	}
	score, _ := Score(snap)
	if score != MaxScore {
		t.Fatalf("score = %d, want capped at %d", score, MaxScore)
	}
	if BandOf(score) != BandCritical {
		t.Fatalf("band = %s, want critical", BandOf(score))
	}
}

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		score int
		want  Band
	}{
		{0, BandLow},
		{24, BandLow},
		{25, BandMedium},
		{49, BandMedium},
		{50, BandHigh},
		{79, BandHigh},
		{80, BandCritical},
		{100, BandCritical},
	}
	for _, tc := range cases {
		if got := BandOf(tc.score); got != tc.want {
			t.Errorf("BandOf(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestAbnormalRewardNeedsBaseline(t *testing.T) {
	snap := cleanSnapshot()
	snap.TypicalReward = 0 // no platform baseline yet
	snap.AvgRecentReward = 100000

	score, _ := Score(snap)
	if score != 0 {
		t.Fatalf("score = %d, abnormal-reward factor fired without a baseline", score)
	}
}

func TestRevocationStrikes(t *testing.T) {
	if got := RevocationStrikes(499); got != 1 {
		t.Fatalf("strikes(499) = %d, want 1", got)
	}
	if got := RevocationStrikes(500); got != 2 {
		t.Fatalf("strikes(500) = %d, want 2", got)
	}
}
