package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"sentinel/internal/analyze"
	"sentinel/internal/buffer"
	"sentinel/internal/domain"
	"sentinel/internal/ingest"
	"sentinel/internal/marketctx"
	"sentinel/internal/notify"
	"sentinel/internal/outcome"
	"sentinel/internal/signal"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// capturingStore records everything the pipeline persists so tests can
// assert on the delivered stream without a database.
type capturingStore struct {
	mu       sync.Mutex
	signals  []*domain.TradingSignal
	outcomes []domain.SignalOutcome
	blobs    map[string]any
}

func newCapturingStore() *capturingStore {
	return &capturingStore{blobs: make(map[string]any)}
}

func (s *capturingStore) SaveSignal(_ context.Context, sig *domain.TradingSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return nil
}

func (s *capturingStore) SaveStateBlob(_ context.Context, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = v
	return nil
}

func (s *capturingStore) PruneContext(context.Context, time.Time) error { return nil }

func (s *capturingStore) SaveOutcome(_ context.Context, o domain.SignalOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *capturingStore) savedSignals() []*domain.TradingSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TradingSignal, len(s.signals))
	copy(out, s.signals)
	return out
}

type recordingSink struct {
	ch chan *domain.TradingSignal
}

func (r *recordingSink) Send(sig *domain.TradingSignal) error {
	r.ch <- sig
	return nil
}

func newTestEngine() (*Engine, *capturingStore) {
	buffers := buffer.New()
	tiers := domain.NewTierMap([]string{"BTCUSDT"}, []string{"ETHUSDT"})
	baselines := analyze.NewBaselineTracker()
	scorer := signal.NewScorer(tiers)
	store := newCapturingStore()

	tracker := outcome.New(buffers, scorer)
	tracker.Sink = store
	tracker.Log = zerolog.Nop()

	return &Engine{
		Buffers:   buffers,
		Ring:      buffer.NewContextRing(72),
		Tiers:     tiers,
		Watch:     NewWatchSet([]string{"BTCUSDT", "ETHUSDT", "DOGEUSDT", "SOLUSDT"}),
		Norm:      ingest.NewNormalizer(),
		Baselines: baselines,
		StopHunt:  &analyze.StopHuntDetector{Buffers: buffers, Tiers: tiers},
		OrderFlow: &analyze.OrderFlowAnalyzer{Buffers: buffers, Tiers: tiers},
		Events:    &analyze.EventPatternDetector{Buffers: buffers, Tiers: tiers, Baselines: baselines},
		Merger:    signal.NewMerger(buffers),
		Validator: signal.NewValidator(),
		Scorer:    scorer,
		Tracker:   tracker,
		Store:     store,
		Log:       zerolog.Nop(),
	}, store
}

func liqFrame(symbol, side string, price, notional float64, ts time.Time) ingest.Frame {
	return ingest.Frame{Type: "liquidation", Event: ingest.RawEvent{
		Kind:     "liquidation",
		Symbol:   symbol,
		Exchange: "binance",
		Price:    price,
		Side:     side,
		Notional: notional,
		TSMillis: ts.UnixMilli(),
	}}
}

func tradeFrame(symbol, side string, price, notional float64, ts time.Time) ingest.Frame {
	return ingest.Frame{Type: "trade", Event: ingest.RawEvent{
		Kind:     "trade",
		Symbol:   symbol,
		Exchange: "binance",
		Price:    price,
		Side:     side,
		Notional: notional,
		TSMillis: ts.UnixMilli(),
	}}
}

func TestCascadeWithAbsorptionDeliversUrgentLong(t *testing.T) {
	eng, store := newTestEngine()
	t0 := time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

	// Long-liquidation cascade on a major: 3.6M over 10s, zone 99600-100000.
	eng.HandleFrame(liqFrame("BTCUSDT", "SELL", 100000, 1_200_000, t0), t0)
	eng.HandleFrame(liqFrame("BTCUSDT", "SELL", 99800, 1_200_000, t0.Add(5*time.Second)), t0.Add(5*time.Second))
	anchor := t0.Add(10 * time.Second)
	eng.HandleFrame(liqFrame("BTCUSDT", "SELL", 99600, 1_200_000, anchor), anchor)

	if got := store.savedSignals(); len(got) != 0 {
		t.Fatalf("no signal may fire before the absorption window closes, got %d", len(got))
	}

	// Buy-side absorption: 20 x 6k inside the 30s post-cascade window. Each
	// print is below the tier-1 large-order threshold so only the stop-hunt
	// detector fires.
	for i := 0; i < 20; i++ {
		ts := anchor.Add(time.Duration(i+1) * time.Second)
		eng.HandleFrame(tradeFrame("BTCUSDT", "BUY", 99900, 6000, ts), ts)
	}

	sweep := anchor.Add(31 * time.Second)
	eng.RunAnalyzers(sweep)
	eng.FlushSignals(context.Background(), sweep.Add(3*time.Second))

	got := store.savedSignals()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivered signal, got %d", len(got))
	}
	sig := got[0]
	if sig.Type != domain.SignalStopHunt {
		t.Fatalf("expected a stop-hunt signal, got %s", sig.Type)
	}
	if sig.Direction != domain.DirectionLong {
		t.Fatalf("long-liquidation cascade must produce a long signal, got %s", sig.Direction)
	}
	if sig.Priority != domain.PriorityUrgent {
		t.Fatalf("expected urgent priority, got %s (confidence %.1f)", sig.Priority, sig.Confidence)
	}
	if sig.Confidence < 96.9 || sig.Confidence > 97.1 {
		t.Fatalf("expected confidence 97 (50 + 12 volume + 15 dominance + 20 absorption), got %.2f", sig.Confidence)
	}
	if sig.Entry.String() != "100000" {
		t.Fatalf("long entry must sit at the zone high, got %s", sig.Entry)
	}
	if eng.Tracker.PendingCount() != 1 {
		t.Fatalf("delivered signal must be scheduled for its outcome check, pending=%d", eng.Tracker.PendingCount())
	}
}

func TestWhaleAccumulationOnSmallCap(t *testing.T) {
	eng, store := newTestEngine()
	t0 := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)

	// DOGEUSDT is unlisted, so tier 3: large orders from 2k. Ten 3k buys
	// against a handful of dust sells.
	for i := 0; i < 10; i++ {
		ts := t0.Add(time.Duration(i) * 3 * time.Second)
		eng.HandleFrame(tradeFrame("DOGEUSDT", "BUY", 0.25, 3000, ts), ts)
	}
	for i := 0; i < 5; i++ {
		ts := t0.Add(31*time.Second + time.Duration(i)*time.Second)
		eng.HandleFrame(tradeFrame("DOGEUSDT", "SELL", 0.25, 100, ts), ts)
	}

	sweep := t0.Add(40 * time.Second)
	eng.RunAnalyzers(sweep)
	eng.FlushSignals(context.Background(), sweep.Add(3*time.Second))

	got := store.savedSignals()
	if len(got) != 1 {
		t.Fatalf("expected one merged signal, got %d", len(got))
	}
	sig := got[0]
	if sig.Type != domain.SignalAccumulation {
		t.Fatalf("accumulation must outrank the concurring order-flow candidate in the merge, got %s", sig.Type)
	}
	if sig.Direction != domain.DirectionLong {
		t.Fatalf("expected long, got %s", sig.Direction)
	}
	if sig.Tier != domain.Tier3 {
		t.Fatalf("unlisted symbol must score as tier 3, got %d", sig.Tier)
	}
	if sig.Priority != domain.PriorityUrgent {
		t.Fatalf("two concurring long candidates plus the tier bias must reach urgent, got %s (%.1f)", sig.Priority, sig.Confidence)
	}
}

func TestUnfavorableContextSuppressesMessagingOnly(t *testing.T) {
	eng, store := newTestEngine()
	eng.Filter = marketctx.NewFilter(eng.Ring)

	sink := &recordingSink{ch: make(chan *domain.TradingSignal, 8)}
	dispatcher := notify.NewDispatcher(sink, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	eng.Dispatcher = dispatcher

	now := time.Date(2025, 11, 3, 16, 0, 0, 0, time.UTC)

	// Crowded long on BTCUSDT: OI up 10% over the hour with longs paying
	// 0.02% funding.
	eng.Ring.Add(domain.ContextSnapshot{
		Symbol: "BTCUSDT", TS: now.Add(-time.Hour),
		OpenInterest: decimal.NewFromInt(1_000_000_000), FundingRate: decimal.NewFromFloat(0.0002),
	})
	eng.Ring.Add(domain.ContextSnapshot{
		Symbol: "BTCUSDT", TS: now.Add(-time.Minute),
		OpenInterest: decimal.NewFromInt(1_100_000_000), FundingRate: decimal.NewFromFloat(0.0002),
	})

	crowded := &domain.TradingSignal{
		Symbol: "BTCUSDT", Type: domain.SignalStopHunt, Direction: domain.DirectionLong,
		Entry: decimal.NewFromInt(100000), Stop: decimal.NewFromInt(99500), Target: decimal.NewFromInt(101000),
		Confidence: 95,
	}
	eng.process(ctx, crowded, now)

	// SOLUSDT has no snapshots at all, so the filter degrades to neutral and
	// messaging goes through.
	clean := &domain.TradingSignal{
		Symbol: "SOLUSDT", Type: domain.SignalOrderFlow, Direction: domain.DirectionLong,
		Entry: decimal.NewFromInt(200), Stop: decimal.NewFromInt(199), Target: decimal.NewFromInt(202),
		Confidence: 90,
	}
	eng.process(ctx, clean, now)

	select {
	case sig := <-sink.ch:
		if sig.Symbol != "SOLUSDT" {
			t.Fatalf("only the neutral signal may reach messaging, got %s", sig.Symbol)
		}
		if sig.Context != domain.AssessmentNeutral || !sig.Degraded {
			t.Fatalf("missing snapshot must degrade to neutral, got context=%s degraded=%v", sig.Context, sig.Degraded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("neutral signal never reached the messaging sink")
	}
	select {
	case sig := <-sink.ch:
		t.Fatalf("unfavorable signal %s must not reach messaging", sig.Symbol)
	case <-time.After(200 * time.Millisecond):
	}

	saved := store.savedSignals()
	if len(saved) != 2 {
		t.Fatalf("both signals must still persist for the dashboard, got %d", len(saved))
	}
	if saved[0].Context != domain.AssessmentUnfavorable {
		t.Fatalf("crowded long must assess unfavorable, got %s", saved[0].Context)
	}
	if saved[0].Confidence != 85 {
		t.Fatalf("unfavorable assessment must cost 10 confidence points, got %.1f", saved[0].Confidence)
	}
	if eng.Tracker.PendingCount() != 2 {
		t.Fatalf("suppressed signals still get outcome checks, pending=%d", eng.Tracker.PendingCount())
	}
}

func TestHourlyCapDropsExcessSignals(t *testing.T) {
	eng, store := newTestEngine()
	eng.Validator.HourlyCap = 2

	now := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	for i, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		sig := &domain.TradingSignal{
			Symbol: symbol, Type: domain.SignalOrderFlow, Direction: domain.DirectionLong,
			Entry: decimal.NewFromInt(100), Stop: decimal.NewFromInt(99), Target: decimal.NewFromInt(102),
			Confidence: 90,
		}
		eng.process(context.Background(), sig, now.Add(time.Duration(i)*time.Second))
	}

	if got := store.savedSignals(); len(got) != 2 {
		t.Fatalf("hourly cap of 2 must drop the third signal, got %d delivered", len(got))
	}
	if drops := eng.Validator.Drops()[signal.DropRateLimited]; drops != 1 {
		t.Fatalf("expected 1 rate-limited drop, got %d", drops)
	}
}

func TestOutcomeWinFeedsScorer(t *testing.T) {
	eng, store := newTestEngine()
	now := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

	sig := &domain.TradingSignal{
		Symbol: "ETHUSDT", Type: domain.SignalStopHunt, Direction: domain.DirectionLong,
		Entry: decimal.NewFromInt(100), Stop: decimal.NewFromInt(95), Target: decimal.NewFromInt(110),
		Confidence: 90,
	}
	eng.process(context.Background(), sig, now)
	if eng.Tracker.PendingCount() != 1 {
		t.Fatalf("signal not tracked, pending=%d", eng.Tracker.PendingCount())
	}

	// Price reaches 60% of the way to target by the horizon check.
	checkAt := now.Add(eng.Tracker.Horizon)
	eng.HandleFrame(tradeFrame("ETHUSDT", "BUY", 106, 8000, checkAt.Add(-10*time.Second)), checkAt.Add(-10*time.Second))
	eng.Tracker.CheckDue(context.Background(), checkAt)

	if eng.Tracker.PendingCount() != 0 {
		t.Fatalf("decided signal must leave the pending set, pending=%d", eng.Tracker.PendingCount())
	}
	store.mu.Lock()
	outcomes := append([]domain.SignalOutcome(nil), store.outcomes...)
	store.mu.Unlock()
	if len(outcomes) != 1 || outcomes[0].Label != domain.OutcomeWin {
		t.Fatalf("expected one win outcome, got %+v", outcomes)
	}
	state := eng.Scorer.State()
	if state.Wins[domain.SignalStopHunt] != 1 {
		t.Fatalf("win must feed the producer's counters, wins=%v", state.Wins)
	}
}

func TestOutOfOrderTradeDroppedAfterGrace(t *testing.T) {
	eng, _ := newTestEngine()
	t0 := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)

	eng.HandleFrame(tradeFrame("BTCUSDT", "BUY", 100000, 5000, t0), t0)
	// A replayed frame from before the reconnect, 10s behind the stream head.
	eng.HandleFrame(tradeFrame("BTCUSDT", "SELL", 99990, 5000, t0.Add(-10*time.Second)), t0)

	stats := eng.Buffers.Stats()
	if stats.TotalTrades != 1 {
		t.Fatalf("expected 1 accepted trade, got %d", stats.TotalTrades)
	}
	if stats.DroppedOrderingTrade != 1 {
		t.Fatalf("expected 1 ordering drop, got %d", stats.DroppedOrderingTrade)
	}
}

func TestMaintainPersistsStateBlobs(t *testing.T) {
	eng, store := newTestEngine()
	eng.Watch.Add("LINKUSDT")
	eng.Scorer.RecordOutcome(domain.SignalStopHunt, true)

	eng.Maintain(context.Background(), time.Now())

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.blobs["confidence_state"]; !ok {
		t.Fatal("confidence state blob not persisted")
	}
	blob, ok := store.blobs["watch_set"]
	if !ok {
		t.Fatal("watch set blob not persisted")
	}
	symbols, ok := blob.([]string)
	if !ok {
		t.Fatalf("watch set blob has unexpected type %T", blob)
	}
	found := false
	for _, s := range symbols {
		if s == "LINKUSDT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("runtime watch addition missing from persisted set: %v", symbols)
	}
}
