package dashboard

import (
	"context"
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

const flowWindow = 5 * time.Minute

// FlowSummary is the per-symbol order-flow digest pushed to the dashboard
// and returned by the snapshot endpoint.
type FlowSummary struct {
	Symbol     string  `json:"symbol"`
	BuyVolume  string  `json:"buy_volume"`
	SellVolume string  `json:"sell_volume"`
	BuyRatio   float64 `json:"buy_ratio"`
	LargeBuys  int     `json:"large_buys"`
	LargeSells int     `json:"large_sells"`
	LastTS     int64   `json:"last_ts_ms"`
}

// signalEvent is the wire shape of a delivered signal.
type signalEvent struct {
	Type       string  `json:"type"`
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	SignalType string  `json:"signal_type"`
	Direction  string  `json:"direction"`
	Entry      string  `json:"entry"`
	Stop       string  `json:"stop"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Tier       int     `json:"tier"`
	Priority   string  `json:"priority"`
	Context    string  `json:"context"`
	Degraded   bool    `json:"degraded,omitempty"`
	TS         int64   `json:"ts_ms"`
}

// Broadcaster pushes periodic stats_update and order_flow_update events,
// plus new_signal events as the pipeline delivers them.
type Broadcaster struct {
	Hub      *Hub
	Buffers  *buffer.Manager
	Tiers    *domain.TierMap
	Interval time.Duration
}

// NewBroadcaster builds a Broadcaster on a 5-second push cadence.
func NewBroadcaster(hub *Hub, buffers *buffer.Manager, tiers *domain.TierMap) *Broadcaster {
	return &Broadcaster{Hub: hub, Buffers: buffers, Tiers: tiers, Interval: 5 * time.Second}
}

// Run pushes periodic updates until ctx is cancelled. Pushes are skipped
// while no client is connected.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if b.Hub.ClientCount() == 0 {
				continue
			}
			stats := b.Buffers.Stats()
			b.Hub.Broadcast(map[string]any{
				"type":               "stats_update",
				"total_liquidations": stats.TotalLiquidations,
				"total_trades":       stats.TotalTrades,
				"dropped_cap":        stats.DroppedCapLiq + stats.DroppedCapTrades,
				"dropped_ordering":   stats.DroppedOrderingLiq + stats.DroppedOrderingTrade,
				"timestamp":          now.UnixMilli(),
			})
			b.Hub.Broadcast(map[string]any{
				"type":      "order_flow_update",
				"flows":     b.FlowSummaries(now),
				"timestamp": now.UnixMilli(),
			})
		}
	}
}

// PushSignal broadcasts one delivered signal as a new_signal event.
func (b *Broadcaster) PushSignal(sig *domain.TradingSignal) {
	b.Hub.Broadcast(signalEvent{
		Type:       "new_signal",
		ID:         sig.ID,
		Symbol:     sig.Symbol,
		SignalType: string(sig.Type),
		Direction:  sig.Direction.String(),
		Entry:      sig.Entry.String(),
		Stop:       sig.Stop.String(),
		Target:     sig.Target.String(),
		Confidence: sig.Confidence,
		Tier:       int(sig.Tier),
		Priority:   string(sig.Priority),
		Context:    string(sig.Context),
		Degraded:   sig.Degraded,
		TS:         sig.TS.UnixMilli(),
	})
}

// FlowSummaries digests the last five minutes of trades for every tracked
// symbol. Symbols with no trades in the window are omitted.
func (b *Broadcaster) FlowSummaries(now time.Time) []FlowSummary {
	var out []FlowSummary
	for _, symbol := range b.Buffers.TrackedSymbols() {
		trades := b.Buffers.SnapshotTrades(symbol, now.Add(-flowWindow))
		if len(trades) == 0 {
			continue
		}
		th := domain.DefaultTierThresholds(b.Tiers.TierFor(symbol))

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
		ratio := 0.0
		if !total.IsZero() {
			ratio, _ = buyVol.Div(total).Float64()
		}
		out = append(out, FlowSummary{
			Symbol:     symbol,
			BuyVolume:  buyVol.String(),
			SellVolume: sellVol.String(),
			BuyRatio:   ratio,
			LargeBuys:  largeBuys,
			LargeSells: largeSells,
			LastTS:     trades[len(trades)-1].TS.UnixMilli(),
		})
	}
	return out
}
