package analyze

import (
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	whaleWindow         = 5 * time.Minute
	whaleCountThreshold = 5
)

// EventPatternDetector runs the whale accumulation/distribution and
// volume-spike sub-detectors on the same cadence as the order-flow
// analyzer, with tier-aware minimum sizes.
type EventPatternDetector struct {
	Buffers   *buffer.Manager
	Tiers     *domain.TierMap
	Baselines *BaselineTracker
}

// AnalyzeWhale counts distinct large orders of the dominant side within a
// 5-minute window; direction follows the dominant side.
func (e *EventPatternDetector) AnalyzeWhale(symbol string, now time.Time) *domain.Candidate {
	th := domain.DefaultTierThresholds(e.Tiers.TierFor(symbol))
	trades := e.Buffers.SnapshotTrades(symbol, now.Add(-whaleWindow))
	if len(trades) == 0 {
		return nil
	}

	largeBuys, largeSells := 0, 0
	buyVol, sellVol := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.Notional.LessThan(th.LargeOrderThreshold) {
			continue
		}
		switch t.Side {
		case domain.SideBuy:
			largeBuys++
			buyVol = buyVol.Add(t.Notional)
		case domain.SideSell:
			largeSells++
			sellVol = sellVol.Add(t.Notional)
		}
	}

	dominant := largeBuys
	dir := domain.DirectionLong
	sigType := domain.SignalAccumulation
	dominantVol := buyVol
	if largeSells > largeBuys {
		dominant = largeSells
		dir = domain.DirectionShort
		sigType = domain.SignalDistribution
		dominantVol = sellVol
	}
	if dominant < whaleCountThreshold {
		return nil
	}

	raw := 50 + minFloat(30, float64(dominant-whaleCountThreshold)*3) + minFloat(15, mustFloat(dominantVol.Div(th.LargeOrderThreshold)))

	last := trades[len(trades)-1]
	entry := last.Price
	var stop, target decimal.Decimal
	if dir == domain.DirectionLong {
		stop = entry.Mul(decimal.NewFromFloat(0.995))
		target = entry.Add(entry.Sub(stop).Mul(decimal.NewFromInt(2)))
	} else {
		stop = entry.Mul(decimal.NewFromFloat(1.005))
		target = entry.Sub(stop.Sub(entry).Mul(decimal.NewFromInt(2)))
	}

	return &domain.Candidate{
		Producer:  sigType,
		Symbol:    symbol,
		Direction: dir,
		RawScore:  raw,
		Entry:     entry,
		Stop:      stop,
		Target:    target,
		Meta: map[string]decimal.Decimal{
			"large_orders": decimal.NewFromInt(int64(dominant)),
		},
		TS: now,
	}
}

// AnalyzeVolumeSpike compares the last minute's notional volume to a
// rolling 24h baseline, excluding the last minute to avoid self-dilution.
func (e *EventPatternDetector) AnalyzeVolumeSpike(symbol string, now time.Time) *domain.Candidate {
	trades := e.Buffers.SnapshotTrades(symbol, now.Add(-time.Minute))
	vNow := decimal.Zero
	for _, t := range trades {
		vNow = vNow.Add(t.Notional)
	}
	if vNow.IsZero() {
		return nil
	}

	baseline, ok := e.Baselines.Get(symbol)
	if !ok || baseline.SampleCount == 0 {
		return nil
	}

	threshold := maxFloat(3*baseline.Mean, baseline.Mean+3*baseline.StdDev)
	vNowF := mustFloat(vNow)
	if vNowF < threshold || threshold <= 0 {
		return nil
	}

	raw := 50 + minFloat(40, (vNowF/maxFloat(threshold, 1)-1)*20)

	return &domain.Candidate{
		Producer:  domain.SignalVolumeSpike,
		Symbol:    symbol,
		Direction: domain.DirectionNone,
		RawScore:  raw,
		Meta: map[string]decimal.Decimal{
			"v_now":     vNow,
			"baseline_mean": decimal.NewFromFloat(baseline.Mean),
		},
		TS: now,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
