package marketctx

import (
	"testing"
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

func newTestRing(symbol string, now time.Time, oiPast, oiNow, funding float64) *buffer.ContextRing {
	ring := buffer.NewContextRing(0)
	ring.Add(domain.ContextSnapshot{
		Symbol:       symbol,
		TS:           now.Add(-time.Hour),
		OpenInterest: decimal.NewFromFloat(oiPast),
		FundingRate:  decimal.NewFromFloat(funding),
	})
	ring.Add(domain.ContextSnapshot{
		Symbol:       symbol,
		TS:           now.Add(-time.Minute),
		OpenInterest: decimal.NewFromFloat(oiNow),
		FundingRate:  decimal.NewFromFloat(funding),
	})
	return ring
}

func longSignal(conf float64) *domain.TradingSignal {
	return &domain.TradingSignal{
		Symbol:     "PEPEUSDT",
		Type:       domain.SignalAccumulation,
		Direction:  domain.DirectionLong,
		Confidence: conf,
	}
}

func TestAssessStaleContextIsNeutralAndDegraded(t *testing.T) {
	ring := buffer.NewContextRing(0)
	ring.Add(domain.ContextSnapshot{
		Symbol:       "PEPEUSDT",
		TS:           time.Now().Add(-time.Hour),
		OpenInterest: decimal.NewFromInt(1000),
		FundingRate:  decimal.NewFromFloat(0.0003),
	})
	f := NewFilter(ring)

	v := f.Assess(longSignal(80), time.Now())
	if v.Assessment != domain.AssessmentNeutral || !v.Degraded {
		t.Fatalf("stale snapshot must be neutral+degraded, got %v degraded=%v", v.Assessment, v.Degraded)
	}
	if !v.DeliverMessaging {
		t.Fatalf("neutral must not suppress messaging in normal mode")
	}
}

func TestAssessCrowdedLongIsUnfavorable(t *testing.T) {
	now := time.Now()
	// funding +0.03%, OI up 8% over the hour: crowded long.
	f := NewFilter(newTestRing("PEPEUSDT", now, 1000, 1080, 0.0003))

	sig := longSignal(80)
	v := f.Assess(sig, now)
	if v.Assessment != domain.AssessmentUnfavorable {
		t.Fatalf("expected unfavorable, got %v", v.Assessment)
	}
	if v.DeliverMessaging {
		t.Fatalf("normal mode must suppress messaging on unfavorable")
	}
	if !v.DeliverDashboard {
		t.Fatalf("dashboard delivery must survive unfavorable in normal mode")
	}

	Apply(sig, v)
	if sig.Confidence != 70 {
		t.Fatalf("expected -10 adjustment, got %.1f", sig.Confidence)
	}
	if sig.Context != domain.AssessmentUnfavorable {
		t.Fatalf("assessment not applied to signal")
	}
}

func TestAssessNegativeFundingRisingOIIsFavorableForLong(t *testing.T) {
	now := time.Now()
	f := NewFilter(newTestRing("PEPEUSDT", now, 1000, 1080, -0.0003))

	sig := longSignal(80)
	v := f.Assess(sig, now)
	if v.Assessment != domain.AssessmentFavorable {
		t.Fatalf("expected favorable, got %v", v.Assessment)
	}
	Apply(sig, v)
	if sig.Confidence != 85 {
		t.Fatalf("expected +5 adjustment, got %.1f", sig.Confidence)
	}
	if sig.Priority != domain.PriorityUrgent {
		t.Fatalf("priority must be recomputed after adjustment, got %v", sig.Priority)
	}
}

func TestAssessMirrorsForShort(t *testing.T) {
	now := time.Now()
	f := NewFilter(newTestRing("PEPEUSDT", now, 1000, 1080, 0.0003))

	sig := &domain.TradingSignal{Symbol: "PEPEUSDT", Direction: domain.DirectionShort, Confidence: 80}
	v := f.Assess(sig, now)
	if v.Assessment != domain.AssessmentFavorable {
		t.Fatalf("positive funding + rising OI must favor a short, got %v", v.Assessment)
	}
}

func TestStrictModePassesOnlyFavorable(t *testing.T) {
	now := time.Now()
	f := NewFilter(newTestRing("PEPEUSDT", now, 1000, 1010, 0.0))
	f.Mode = ModeStrict

	v := f.Assess(longSignal(80), now)
	if v.Assessment != domain.AssessmentNeutral {
		t.Fatalf("flat OI must be neutral, got %v", v.Assessment)
	}
	if v.DeliverMessaging {
		t.Fatalf("strict mode must suppress non-favorable messaging")
	}
}

func TestPermissiveModeNeverSuppresses(t *testing.T) {
	now := time.Now()
	f := NewFilter(newTestRing("PEPEUSDT", now, 1000, 1080, 0.0003))
	f.Mode = ModePermissive

	v := f.Assess(longSignal(80), now)
	if v.Assessment != domain.AssessmentUnfavorable || !v.DeliverMessaging {
		t.Fatalf("permissive mode adjusts confidence only, got %v deliver=%v", v.Assessment, v.DeliverMessaging)
	}
}

func TestNeutralAlignedFundingGetsSmallBoost(t *testing.T) {
	now := time.Now()
	// Slightly negative funding, flat OI: neutral with the +2 lean.
	f := NewFilter(newTestRing("PEPEUSDT", now, 1000, 1010, -0.00005))

	sig := longSignal(80)
	v := f.Assess(sig, now)
	if v.Assessment != domain.AssessmentNeutral || v.ConfidenceAdjust != 2 {
		t.Fatalf("expected neutral +2, got %v %+.1f", v.Assessment, v.ConfidenceAdjust)
	}
}
