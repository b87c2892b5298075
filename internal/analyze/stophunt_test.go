package analyze

import (
	"testing"
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

func seedCascade(t *testing.T, b *buffer.Manager, symbol string, base time.Time) {
	t.Helper()
	prices := []float64{95800, 95850, 95900, 95950, 96000, 95820, 95870, 95910, 95960, 95990, 95830, 95880}
	for i, p := range prices {
		b.AppendLiquidation(domain.Liquidation{
			Symbol:   symbol,
			Exchange: "test",
			Price:    decimal.NewFromFloat(p),
			Side:     domain.SideLongLiquidated,
			Notional: decimal.NewFromInt(200_000),
			TS:       base.Add(time.Duration(i) * 2 * time.Second),
		})
	}
}

func TestStopHuntCascadeWithAbsorptionTriggersLong(t *testing.T) {
	b := buffer.New()
	base := time.Now()
	seedCascade(t, b, "BTCUSDT", base)

	absorptionStart := base.Add(24 * time.Second)
	for i := 0; i < 6; i++ {
		b.AppendTrade(domain.Trade{
			Symbol:   "BTCUSDT",
			Exchange: "test",
			Price:    decimal.NewFromFloat(96000),
			Side:     domain.SideBuy,
			Notional: decimal.NewFromInt(200_000),
			TS:       absorptionStart.Add(time.Duration(i) * 3 * time.Second),
		})
	}

	d := &StopHuntDetector{Buffers: b, Tiers: domain.NewTierMap([]string{"BTCUSDT"}, nil)}
	// cascadeAnchor is the last liquidation's ts (base+22s); absorption is
	// only complete once 30s of wall-clock time has passed since then.
	now := base.Add(53 * time.Second)
	c := d.Analyze("BTCUSDT", now)
	if c == nil {
		t.Fatalf("expected a stop-hunt candidate")
	}
	if c.Direction != domain.DirectionLong {
		t.Fatalf("expected long direction for long-liquidation cascade, got %s", c.Direction)
	}
	if c.RawScore < 85 {
		t.Fatalf("expected high raw score with absorption, got %f", c.RawScore)
	}
}

func TestStopHuntBelowThresholdDoesNotTrigger(t *testing.T) {
	b := buffer.New()
	now := time.Now()
	b.AppendLiquidation(domain.Liquidation{
		Symbol: "BTCUSDT", Exchange: "test", Price: decimal.NewFromFloat(96000),
		Side: domain.SideShortLiquidated, Notional: decimal.NewFromInt(1000), TS: now,
	})
	d := &StopHuntDetector{Buffers: b, Tiers: domain.NewTierMap([]string{"BTCUSDT"}, nil)}
	if c := d.Analyze("BTCUSDT", now.Add(time.Second)); c != nil {
		t.Fatalf("expected no candidate below cascade threshold")
	}
}

func TestStopHuntThresholdEqualityDoesNotTrigger(t *testing.T) {
	b := buffer.New()
	now := time.Now()
	th := domain.DefaultTierThresholds(domain.Tier1)
	b.AppendLiquidation(domain.Liquidation{
		Symbol: "BTCUSDT", Exchange: "test", Price: decimal.NewFromFloat(96000),
		Side: domain.SideShortLiquidated, Notional: th.CascadeThreshold, TS: now,
	})
	d := &StopHuntDetector{Buffers: b, Tiers: domain.NewTierMap([]string{"BTCUSDT"}, nil)}
	if c := d.Analyze("BTCUSDT", now.Add(31*time.Second)); c != nil {
		t.Fatalf("expected exact threshold equality to not trigger (strict >)")
	}
}

func TestStopHuntDefersWhileCascadeInFlight(t *testing.T) {
	b := buffer.New()
	now := time.Now()
	seedCascade(t, b, "BTCUSDT", now)
	d := &StopHuntDetector{Buffers: b, Tiers: domain.NewTierMap([]string{"BTCUSDT"}, nil)}
	// Query immediately after the cascade, before the 30s absorption window
	// has fully elapsed.
	if c := d.Analyze("BTCUSDT", now.Add(23*time.Second)); c != nil {
		t.Fatalf("expected detector to defer while absorption window is still in flight")
	}
}
