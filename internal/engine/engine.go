// Package engine wires the pipeline: frames in from the feed collaborators,
// scored signals out to the messaging dispatcher, the dashboard, and the
// outcome tracker. Everything between the two edges is synchronous and
// owned by this package's tickers.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"sentinel/internal/analyze"
	"sentinel/internal/buffer"
	"sentinel/internal/dashboard"
	"sentinel/internal/domain"
	"sentinel/internal/ingest"
	"sentinel/internal/marketctx"
	"sentinel/internal/notify"
	"sentinel/internal/obs"
	"sentinel/internal/outcome"
	"sentinel/internal/signal"

	"github.com/rs/zerolog"
)

const (
	analyzerCadence    = 15 * time.Second
	drainCadence       = time.Second
	maintenanceCadence = time.Minute
	contextMemoryAge   = 6 * time.Hour
	feedStaleAfter     = 90 * time.Second

	stateKeyConfidence = "confidence_state"
	stateKeyWatchSet   = "watch_set"
)

// Persistence is the slice of the store the engine drives directly. May be
// nil; every write degrades to warn-and-continue.
type Persistence interface {
	SaveSignal(ctx context.Context, sig *domain.TradingSignal) error
	SaveStateBlob(ctx context.Context, key string, v any) error
	PruneContext(ctx context.Context, now time.Time) error
}

// Engine owns the synchronous leg of the pipeline and the tickers that
// drive it.
type Engine struct {
	Buffers   *buffer.Manager
	Ring      *buffer.ContextRing
	Tiers     *domain.TierMap
	Watch     *WatchSet
	Norm      *ingest.Normalizer
	Baselines *analyze.BaselineTracker

	StopHunt  *analyze.StopHuntDetector
	OrderFlow *analyze.OrderFlowAnalyzer
	Events    *analyze.EventPatternDetector

	Merger    *signal.Merger
	Validator *signal.Validator
	Scorer    *signal.Scorer
	Filter    *marketctx.Filter // nil disables context gating

	Tracker     *outcome.Tracker
	Dispatcher  *notify.Dispatcher
	Broadcaster *dashboard.Broadcaster // may be nil
	Store       Persistence            // may be nil
	Metrics     *obs.Metrics           // may be nil
	Log         zerolog.Logger

	lastFrameUnixMilli atomic.Int64
}

// FeedHealthy reports whether a frame arrived recently; the health endpoint
// and the feed-connected gauge both read it.
func (e *Engine) FeedHealthy() bool {
	last := e.lastFrameUnixMilli.Load()
	return last != 0 && time.Since(time.UnixMilli(last)) < feedStaleAfter
}

// Run drives the pipeline until ctx is cancelled: frames from the channel,
// analyzer sweeps, merger drains, and housekeeping on their own cadences.
func (e *Engine) Run(ctx context.Context, frames <-chan ingest.Frame) {
	analyzerTick := time.NewTicker(analyzerCadence)
	drainTick := time.NewTicker(drainCadence)
	maintainTick := time.NewTicker(maintenanceCadence)
	defer analyzerTick.Stop()
	defer drainTick.Stop()
	defer maintainTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-frames:
			if !ok {
				return
			}
			e.HandleFrame(fr, time.Now())
		case now := <-analyzerTick.C:
			e.RunAnalyzers(now)
		case now := <-drainTick.C:
			e.FlushSignals(ctx, now)
		case now := <-maintainTick.C:
			e.Maintain(ctx, now)
		}
	}
}

// HandleFrame normalises one frame and appends it to the buffers. A new
// liquidation triggers the stop-hunt detector immediately; trades feed the
// volume baseline.
func (e *Engine) HandleFrame(fr ingest.Frame, now time.Time) {
	e.lastFrameUnixMilli.Store(now.UnixMilli())
	if e.Metrics != nil {
		e.Metrics.FeedConnected.Set(1)
	}

	switch fr.Type {
	case "liquidation":
		liq, err := e.Norm.NormalizeLiquidation(fr.Event)
		if err != nil {
			e.countRejection(err)
			return
		}
		if !e.Watch.Contains(liq.Symbol) {
			return
		}
		if !e.Buffers.AppendLiquidation(liq) {
			if e.Metrics != nil {
				e.Metrics.BufferDrops.WithLabelValues("liquidation", "ordering").Inc()
			}
			return
		}
		if e.Metrics != nil {
			e.Metrics.EventsIngested.WithLabelValues("liquidation").Inc()
		}
		if c := e.analyze(func() *domain.Candidate { return e.StopHunt.Analyze(liq.Symbol, now) }, liq.Symbol); c != nil {
			e.submit(c, now)
		}

	case "trade":
		trd, err := e.Norm.NormalizeTrade(fr.Event)
		if err != nil {
			e.countRejection(err)
			return
		}
		if !e.Watch.Contains(trd.Symbol) {
			return
		}
		if !e.Buffers.AppendTrade(trd) {
			if e.Metrics != nil {
				e.Metrics.BufferDrops.WithLabelValues("trade", "ordering").Inc()
			}
			return
		}
		if e.Metrics != nil {
			e.Metrics.EventsIngested.WithLabelValues("trade").Inc()
		}
		notional, _ := trd.Notional.Float64()
		e.Baselines.Observe(trd.Symbol, notional, trd.TS)
	}
}

func (e *Engine) countRejection(err error) {
	if e.Metrics != nil {
		e.Metrics.IngestRejected.WithLabelValues("invalid").Inc()
	}
	e.Log.Debug().Err(err).Msg("frame rejected at normalisation")
}

// RunAnalyzers sweeps the order-flow and event-pattern detectors across the
// watch set. The stop-hunt detector also re-runs here so cascades whose
// absorption window closed between liquidations still resolve.
func (e *Engine) RunAnalyzers(now time.Time) {
	for _, symbol := range e.Watch.List() {
		for _, c := range []*domain.Candidate{
			e.analyze(func() *domain.Candidate { return e.StopHunt.Analyze(symbol, now) }, symbol),
			e.analyze(func() *domain.Candidate { return e.OrderFlow.Analyze(symbol, now) }, symbol),
			e.analyze(func() *domain.Candidate { return e.Events.AnalyzeWhale(symbol, now) }, symbol),
			e.analyze(func() *domain.Candidate { return e.Events.AnalyzeVolumeSpike(symbol, now) }, symbol),
		} {
			if c != nil {
				e.submit(c, now)
			}
		}
	}
}

// analyze guards one analyzer call: a panic is logged with the symbol and
// yields no candidate.
func (e *Engine) analyze(fn func() *domain.Candidate, symbol string) (c *domain.Candidate) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error().Str("symbol", symbol).Interface("panic", r).Msg("analyzer panicked")
			c = nil
		}
	}()
	return fn()
}

func (e *Engine) submit(c *domain.Candidate, now time.Time) {
	if c.RawScore <= 0 {
		return
	}
	if e.Metrics != nil {
		e.Metrics.CandidatesTotal.WithLabelValues(string(c.Producer)).Inc()
	}
	e.Merger.Submit(c, now)
}

// FlushSignals drains the merger's expired coalescing groups and runs each
// merged signal through score, validate, context-gate, persist, deliver.
func (e *Engine) FlushSignals(ctx context.Context, now time.Time) {
	for _, sig := range e.Merger.Drain(now) {
		e.process(ctx, sig, now)
	}
}

func (e *Engine) process(ctx context.Context, sig *domain.TradingSignal, now time.Time) {
	if !e.Scorer.Score(sig, now) {
		return
	}

	if ok, reason := e.Validator.Admit(sig, now); !ok {
		if e.Metrics != nil {
			e.Metrics.ValidatorDrops.WithLabelValues(string(reason)).Inc()
		}
		e.Log.Debug().Str("symbol", sig.Symbol).Str("reason", string(reason)).Msg("signal dropped by validator")
		return
	}

	deliverMessaging, deliverDashboard := true, true
	if e.Filter != nil {
		v := e.Filter.Assess(sig, now)
		marketctx.Apply(sig, v)
		deliverMessaging, deliverDashboard = v.DeliverMessaging, v.DeliverDashboard
		if e.Metrics != nil {
			e.Metrics.ContextVerdicts.WithLabelValues(string(v.Assessment)).Inc()
		}
	}

	if e.Store != nil {
		if err := e.Store.SaveSignal(ctx, sig); err != nil {
			e.Log.Warn().Err(err).Str("signal_id", sig.ID).Msg("signal persistence failed")
		}
	}

	if deliverMessaging && e.Dispatcher != nil {
		e.Dispatcher.Enqueue(sig)
	}
	if deliverDashboard && e.Broadcaster != nil {
		e.Broadcaster.PushSignal(sig)
	}
	e.Tracker.Track(sig)

	if e.Metrics != nil {
		e.Metrics.SignalsDelivered.WithLabelValues(string(sig.Priority)).Inc()
		e.Metrics.PendingOutcomes.Set(float64(e.Tracker.PendingCount()))
	}
	e.Log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("direction", sig.Direction.String()).
		Float64("confidence", sig.Confidence).
		Str("priority", string(sig.Priority)).
		Str("context", string(sig.Context)).
		Msg("signal delivered")
}

// Maintain runs the periodic housekeeping: buffer sweep, context pruning,
// state persistence, and gauge refresh.
func (e *Engine) Maintain(ctx context.Context, now time.Time) {
	e.Buffers.Sweep(now)
	e.Ring.Prune(now, contextMemoryAge)

	if e.Metrics != nil {
		if !e.FeedHealthy() {
			e.Metrics.FeedConnected.Set(0)
		}
		e.Metrics.PendingOutcomes.Set(float64(e.Tracker.PendingCount()))
	}

	if e.Store != nil {
		if err := e.Store.SaveStateBlob(ctx, stateKeyConfidence, e.Scorer.State()); err != nil {
			e.Log.Warn().Err(err).Msg("confidence state persistence failed")
		}
		if err := e.Store.SaveStateBlob(ctx, stateKeyWatchSet, e.Watch.List()); err != nil {
			e.Log.Warn().Err(err).Msg("watch set persistence failed")
		}
		if err := e.Store.PruneContext(ctx, now); err != nil {
			e.Log.Warn().Err(err).Msg("context pruning failed")
		}
	}
}

// StatusReport renders the operational summary the chat /status command
// returns.
func (e *Engine) StatusReport() string {
	stats := e.Buffers.Stats()
	feed := "connected"
	if !e.FeedHealthy() {
		feed = "stale"
	}
	return fmt.Sprintf("📊 *Status*\nFeed: %s\nSymbols: %s\nEvents: %d liquidations, %d trades\nPending outcomes: %d",
		feed, strings.Join(e.Watch.List(), ", "),
		stats.TotalLiquidations, stats.TotalTrades, e.Tracker.PendingCount())
}
