// Package outcome closes the feedback loop: every delivered signal is
// checked once at its horizon, labelled, persisted, and fed back into the
// confidence scorer's win/loss counters.
package outcome

import (
	"context"
	"sync"
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/rs/zerolog"
)

const (
	defaultHorizon     = 15 * time.Minute
	defaultWinFraction = 0.5
	priceFreshness     = 60 * time.Second
)

// Feedback receives decided outcomes; implemented by the confidence scorer.
type Feedback interface {
	RecordOutcome(producer domain.SignalType, won bool)
}

// Sink persists outcomes. Persistence failures never block the feedback
// update; they degrade to warn-and-continue.
type Sink interface {
	SaveOutcome(ctx context.Context, o domain.SignalOutcome) error
}

type pendingSignal struct {
	sig     *domain.TradingSignal
	checkAt time.Time
	retried bool
}

// Tracker schedules one check per delivered signal at entry-ts + horizon.
// A single goroutine scans the pending map on a short ticker, the same
// shape as an active-session polling loop.
type Tracker struct {
	Buffers     *buffer.Manager
	Feedback    Feedback
	Sink        Sink // may be nil
	Horizon     time.Duration
	WinFraction float64
	Log         zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSignal

	onOutcome func(domain.SignalOutcome) // optional hook for dashboards/tests
}

// New builds a Tracker with the default 15-minute horizon.
func New(buffers *buffer.Manager, feedback Feedback) *Tracker {
	return &Tracker{
		Buffers:     buffers,
		Feedback:    feedback,
		Horizon:     defaultHorizon,
		WinFraction: defaultWinFraction,
		pending:     make(map[string]*pendingSignal),
	}
}

// OnOutcome registers a hook invoked after each decided outcome.
func (t *Tracker) OnOutcome(fn func(domain.SignalOutcome)) { t.onOutcome = fn }

// Track schedules a delivered signal for its horizon check.
func (t *Tracker) Track(sig *domain.TradingSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[sig.ID] = &pendingSignal{sig: sig, checkAt: sig.TS.Add(t.Horizon)}
}

// PendingCount reports how many signals await their horizon.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run scans for due checks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.CheckDue(ctx, now)
		}
	}
}

// CheckDue evaluates every pending signal whose horizon has elapsed. A
// failed evaluation (no fresh price) is retried once on the next pass, then
// labelled expired, per the failure-semantics table.
func (t *Tracker) CheckDue(ctx context.Context, now time.Time) {
	t.mu.Lock()
	due := make([]*pendingSignal, 0)
	for _, p := range t.pending {
		if !now.Before(p.checkAt) {
			due = append(due, p)
		}
	}
	t.mu.Unlock()

	for _, p := range due {
		t.check(ctx, p, now)
	}
}

func (t *Tracker) check(ctx context.Context, p *pendingSignal, now time.Time) {
	sig := p.sig
	trades := t.Buffers.SnapshotTrades(sig.Symbol, now.Add(-priceFreshness))
	if len(trades) == 0 {
		if !p.retried {
			p.retried = true
			return
		}
		t.finish(ctx, domain.SignalOutcome{
			SignalID: sig.ID,
			TS:       now,
			Label:    domain.OutcomeExpired,
		}, sig, false, false)
		return
	}

	price := trades[len(trades)-1].Price
	denom := sig.Target.Sub(sig.Entry)
	if denom.IsZero() {
		t.finish(ctx, domain.SignalOutcome{SignalID: sig.ID, TS: now, PriceAtCheck: price, Label: domain.OutcomeExpired}, sig, false, false)
		return
	}
	progress := price.Sub(sig.Entry).Div(denom)
	prog, _ := progress.Float64()

	label := domain.OutcomeLoss
	won := false
	if prog >= t.WinFraction {
		label = domain.OutcomeWin
		won = true
	}
	t.finish(ctx, domain.SignalOutcome{
		SignalID:     sig.ID,
		TS:           now,
		PriceAtCheck: price,
		PctToTarget:  prog,
		Label:        label,
	}, sig, true, won)
}

// finish persists, feeds back, and removes the signal from the pending set.
// The feedback update happens even when persistence fails.
func (t *Tracker) finish(ctx context.Context, o domain.SignalOutcome, sig *domain.TradingSignal, decided, won bool) {
	if t.Sink != nil {
		if err := t.Sink.SaveOutcome(ctx, o); err != nil {
			t.Log.Warn().Err(err).Str("signal_id", o.SignalID).Msg("outcome persist failed")
		}
	}
	if decided {
		t.Feedback.RecordOutcome(sig.Type, won)
	}
	t.mu.Lock()
	delete(t.pending, sig.ID)
	t.mu.Unlock()

	if t.onOutcome != nil {
		t.onOutcome(o)
	}
}
