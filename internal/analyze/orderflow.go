package analyze

import (
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

const orderFlowWindow = 300 * time.Second

// OrderFlowAnalyzer scores buy/sell notional imbalance plus large-order
// count over a 5-minute window, with a volume-ratio noise floor.
type OrderFlowAnalyzer struct {
	Buffers *buffer.Manager
	Tiers   *domain.TierMap

	WhaleMin int // minimum large orders required on the dominant side
}

// Analyze is invoked by the engine from its periodic per-symbol sweep; any
// trade-append triggering or debounce is the caller's responsibility.
func (a *OrderFlowAnalyzer) Analyze(symbol string, now time.Time) *domain.Candidate {
	whaleMin := a.WhaleMin
	if whaleMin <= 0 {
		whaleMin = 3
	}

	trades := a.Buffers.SnapshotTrades(symbol, now.Add(-orderFlowWindow))
	if len(trades) == 0 {
		return nil
	}

	th := domain.DefaultTierThresholds(a.Tiers.TierFor(symbol))

	buyVol, sellVol := decimal.Zero, decimal.Zero
	largeBuys, largeSells := 0, 0
	for _, t := range trades {
		switch t.Side {
		case domain.SideBuy:
			buyVol = buyVol.Add(t.Notional)
			if t.Notional.GreaterThanOrEqual(th.LargeOrderThreshold) {
				largeBuys++
			}
		case domain.SideSell:
			sellVol = sellVol.Add(t.Notional)
			if t.Notional.GreaterThanOrEqual(th.LargeOrderThreshold) {
				largeSells++
			}
		}
	}

	total := buyVol.Add(sellVol)
	if total.IsZero() {
		return nil
	}
	r := mustFloat(buyVol.Div(total))

	dir := domain.DirectionNone
	largeCount := 0
	switch {
	case r >= 0.65 && largeBuys >= whaleMin:
		dir = domain.DirectionLong
		largeCount = largeBuys
	case r <= 0.35 && largeSells >= whaleMin:
		dir = domain.DirectionShort
		largeCount = largeSells
	default:
		return nil
	}

	raw := 50 + 30*abs(r-0.5)*2 + minFloat(15, 2*float64(largeCount))

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
		Producer:  domain.SignalOrderFlow,
		Symbol:    symbol,
		Direction: dir,
		RawScore:  raw,
		Entry:     entry,
		Stop:      stop,
		Target:    target,
		Meta: map[string]decimal.Decimal{
			"buy_volume":  buyVol,
			"sell_volume": sellVol,
			"ratio":       decimal.NewFromFloat(r),
		},
		TS: now,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
