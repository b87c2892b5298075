package signal

import (
	"testing"
	"time"

	"sentinel/internal/domain"
)

func newTestTiers() *domain.TierMap {
	return domain.NewTierMap([]string{"BTCUSDT", "ETHUSDT"}, []string{"SOLUSDT"})
}

func TestScoreAppliesTierBias(t *testing.T) {
	s := NewScorer(newTestTiers())
	now := time.Now()

	t1 := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalOrderFlow, Direction: domain.DirectionLong, Confidence: 75}
	t3 := &domain.TradingSignal{Symbol: "PEPEUSDT", Type: domain.SignalOrderFlow, Direction: domain.DirectionLong, Confidence: 75}
	s.Score(t1, now)
	s.Score(t3, now)

	if t1.Confidence != 75 {
		t.Fatalf("tier-1 must get no bias, got %.1f", t1.Confidence)
	}
	if t3.Confidence != 79 {
		t.Fatalf("tier-3 must get +4, got %.1f", t3.Confidence)
	}
	if t1.Tier != domain.Tier1 || t3.Tier != domain.Tier3 {
		t.Fatalf("tier assignment wrong: %v / %v", t1.Tier, t3.Tier)
	}
}

func TestProducerBiasNeedsTwentyDecidedOutcomes(t *testing.T) {
	s := NewScorer(newTestTiers())
	now := time.Now()

	// 19 decided outcomes: below the floor, bias must stay 0.
	for i := 0; i < 19; i++ {
		s.RecordOutcome(domain.SignalStopHunt, true)
	}
	sig := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalStopHunt, Direction: domain.DirectionLong, Confidence: 80}
	s.Score(sig, now)
	if sig.Confidence != 80 {
		t.Fatalf("bias before floor must be 0, got %.1f", sig.Confidence)
	}

	// 20th outcome: win rate 1.0 -> bias clamps at +10.
	s.RecordOutcome(domain.SignalStopHunt, true)
	sig2 := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalStopHunt, Direction: domain.DirectionLong, Confidence: 80}
	s.Score(sig2, now)
	if sig2.Confidence != 90 {
		t.Fatalf("expected +10 bias at 100%% win rate, got %.1f", sig2.Confidence)
	}
}

func TestProducerBiasClampsNegative(t *testing.T) {
	s := NewScorer(newTestTiers())
	for i := 0; i < 20; i++ {
		s.RecordOutcome(domain.SignalOrderFlow, false)
	}
	sig := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalOrderFlow, Direction: domain.DirectionShort, Confidence: 85}
	s.Score(sig, time.Now())
	if sig.Confidence != 75 {
		t.Fatalf("expected -10 bias at 0%% win rate, got %.1f", sig.Confidence)
	}
}

func TestScoreClampsAndAssignsPriority(t *testing.T) {
	s := NewScorer(newTestTiers())
	now := time.Now()

	hot := &domain.TradingSignal{Symbol: "PEPEUSDT", Type: domain.SignalStopHunt, Direction: domain.DirectionLong, Confidence: 99}
	s.Score(hot, now)
	if hot.Confidence != 100 {
		t.Fatalf("confidence must clamp to 100, got %.1f", hot.Confidence)
	}
	if hot.Priority != domain.PriorityUrgent {
		t.Fatalf("expected urgent at >=85, got %v", hot.Priority)
	}

	warm := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalOrderFlow, Direction: domain.DirectionLong, Confidence: 72}
	s.Score(warm, now)
	if warm.Priority != domain.PriorityWatch {
		t.Fatalf("expected watch at >=70, got %v", warm.Priority)
	}
}

func TestScoreRejectsBelowMinConfidence(t *testing.T) {
	s := NewScorer(newTestTiers())
	sig := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalVolumeSpike, Direction: domain.DirectionNone, Confidence: 55}
	if s.Score(sig, time.Now()) {
		t.Fatalf("signal below min confidence must be rejected")
	}
}

func TestStateRoundTripReproducesScoring(t *testing.T) {
	s := NewScorer(newTestTiers())
	for i := 0; i < 15; i++ {
		s.RecordOutcome(domain.SignalStopHunt, true)
	}
	for i := 0; i < 10; i++ {
		s.RecordOutcome(domain.SignalStopHunt, false)
	}

	restored := NewScorer(newTestTiers())
	restored.Restore(s.State())

	now := time.Now()
	for i := 0; i < 5; i++ {
		a := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalStopHunt, Direction: domain.DirectionLong, Confidence: 70 + float64(i)}
		b := &domain.TradingSignal{Symbol: "BTCUSDT", Type: domain.SignalStopHunt, Direction: domain.DirectionLong, Confidence: 70 + float64(i)}
		s.Score(a, now)
		restored.Score(b, now)
		if a.Confidence != b.Confidence || a.Priority != b.Priority {
			t.Fatalf("restored state diverged: %.2f/%v vs %.2f/%v", a.Confidence, a.Priority, b.Confidence, b.Priority)
		}
	}
}
