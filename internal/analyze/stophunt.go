// Package analyze implements the three pattern detectors that read the
// buffer manager on demand and emit zero or one candidate each.
package analyze

import (
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	cascadeWindow     = 30 * time.Second
	absorptionWindow  = 30 * time.Second
	dominanceMinRatio = 0.6
)

// StopHuntDetector classifies liquidation cascades, optionally confirmed
// by opposite-side absorption volume inside the post-cascade window.
type StopHuntDetector struct {
	Buffers *buffer.Manager
	Tiers   *domain.TierMap
}

// Analyze is triggered when a new liquidation is appended for symbol, and
// may be re-invoked later (by a ticker or the next liquidation) to resolve
// a cascade whose absorption window hasn't closed yet. The cascade window
// itself is anchored to the most recent buffered liquidation, not to the
// caller-supplied now — that anchor only gates whether enough real time
// has passed to evaluate absorption.
func (d *StopHuntDetector) Analyze(symbol string, now time.Time) *domain.Candidate {
	tier := d.Tiers.TierFor(symbol)
	th := domain.DefaultTierThresholds(tier)

	latest := d.Buffers.SnapshotLiquidations(symbol, time.Time{})
	if len(latest) == 0 {
		return nil
	}
	cascadeAnchor := latest[len(latest)-1].TS

	window := d.Buffers.SnapshotLiquidations(symbol, cascadeAnchor.Add(-cascadeWindow))
	if len(window) == 0 {
		return nil
	}

	total, longVol, shortVol := decimal.Zero, decimal.Zero, decimal.Zero
	zoneLow, zoneHigh := window[0].Price, window[0].Price
	for _, l := range window {
		total = total.Add(l.Notional)
		switch l.Side {
		case domain.SideLongLiquidated:
			longVol = longVol.Add(l.Notional)
		case domain.SideShortLiquidated:
			shortVol = shortVol.Add(l.Notional)
		}
		if l.Price.LessThan(zoneLow) {
			zoneLow = l.Price
		}
		if l.Price.GreaterThan(zoneHigh) {
			zoneHigh = l.Price
		}
	}

	// Strict >: notional exactly at the threshold must not trigger.
	if !total.GreaterThan(th.CascadeThreshold) {
		return nil
	}

	dominantSide := domain.SideLongLiquidated
	dominantVol := longVol
	if shortVol.GreaterThan(longVol) {
		dominantSide = domain.SideShortLiquidated
		dominantVol = shortVol
	}
	dominance := mustFloat(dominantVol.Div(total))
	if dominance < dominanceMinRatio {
		return nil
	}

	// Long-liquidation cascade suggests a reversal up (long candidate);
	// short-liquidation cascade suggests a reversal down (short candidate).
	dir := domain.DirectionLong
	if dominantSide == domain.SideShortLiquidated {
		dir = domain.DirectionShort
	}

	absorbed, absorptionVol, absorptionComplete := d.checkAbsorption(symbol, dominantSide, cascadeAnchor, now, th)
	if !absorptionComplete {
		// Cascade still in-flight: defer rather than score without the
		// full absorption window.
		return nil
	}

	volRatio := mustFloat(total.Div(th.CascadeThreshold.Mul(decimal.NewFromInt(3))))
	if volRatio > 1 {
		volRatio = 1
	}
	raw := 50 + 20*volRatio + 15*dominance
	if absorbed {
		raw += 20
	}

	var entry, stop, target decimal.Decimal
	onePermille := decimal.NewFromFloat(0.001)
	if dir == domain.DirectionLong {
		entry = zoneHigh
		stop = zoneLow.Sub(entry.Mul(onePermille))
		target = entry.Add(entry.Sub(stop).Mul(decimal.NewFromInt(2)))
	} else {
		entry = zoneLow
		stop = zoneHigh.Add(entry.Mul(onePermille))
		target = entry.Sub(stop.Sub(entry).Mul(decimal.NewFromInt(2)))
	}

	return &domain.Candidate{
		Producer:  domain.SignalStopHunt,
		Symbol:    symbol,
		Direction: dir,
		RawScore:  raw,
		Entry:     entry,
		Stop:      stop,
		Target:    target,
		ZoneLow:   zoneLow,
		ZoneHigh:  zoneHigh,
		Meta: map[string]decimal.Decimal{
			"total_volume":     total,
			"absorption_volume": absorptionVol,
		},
		TS: now,
	}
}

// checkAbsorption sums trades opposite the liquidated side in the 30s
// following the cascade's last liquidation. It returns complete=false if
// less than a full absorptionWindow has elapsed (by wall-clock now) since
// that last liquidation the cascade is still in flight and the check is
// deferred.
func (d *StopHuntDetector) checkAbsorption(symbol string, liquidatedSide domain.Side, cascadeAnchor, now time.Time, th domain.TierThresholds) (absorbed bool, volume decimal.Decimal, complete bool) {
	if now.Sub(cascadeAnchor) < absorptionWindow {
		return false, decimal.Zero, false
	}

	oppositeSide := domain.SideBuy
	if liquidatedSide == domain.SideShortLiquidated {
		// Short-liquidated positions are closed by buy orders; absorption
		// opposing that cascade comes from sellers.
		oppositeSide = domain.SideSell
	}

	windowEnd := cascadeAnchor.Add(absorptionWindow)
	trades := d.Buffers.SnapshotTrades(symbol, cascadeAnchor)
	total := decimal.Zero
	for _, t := range trades {
		if t.TS.After(windowEnd) {
			break
		}
		if t.Side != oppositeSide {
			continue
		}
		if t.Notional.LessThan(decimal.NewFromInt(5000)) {
			continue
		}
		total = total.Add(t.Notional)
	}
	return total.GreaterThanOrEqual(th.AbsorptionThreshold), total, true
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
