package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"sentinel/internal/analyze"
	"sentinel/internal/buffer"
	"sentinel/internal/config"
	"sentinel/internal/dashboard"
	"sentinel/internal/domain"
	"sentinel/internal/engine"
	"sentinel/internal/ingest"
	"sentinel/internal/marketctx"
	"sentinel/internal/notify"
	"sentinel/internal/obs"
	"sentinel/internal/outcome"
	"sentinel/internal/signal"
	"sentinel/internal/store"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownDrainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		// Logger isn't up yet.
		println("fatal: " + err.Error())
		os.Exit(1)
	}

	log, err := obs.NewLogger(obs.LogConfig(cfg.Log))
	if err != nil {
		println("fatal: " + err.Error())
		os.Exit(1)
	}
	metrics := obs.NewMetrics()

	db, err := store.Open(store.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- core state ---
	tiers := domain.NewTierMap(cfg.Monitoring.Tier1Symbols, cfg.Monitoring.Tier2Symbols)
	buffers := buffer.New()
	ring := buffer.NewContextRing(cfg.MarketContext.MaxSnapshots)
	baselines := analyze.NewBaselineTracker()

	watch := engine.NewWatchSet(cfg.Symbols())
	var savedSymbols []string
	if ok, err := db.LoadStateBlob(ctx, "watch_set", &savedSymbols); err != nil {
		log.Warn().Err(err).Msg("watch set restore failed")
	} else if ok {
		for _, s := range savedSymbols {
			watch.Add(s)
		}
	}

	scorer := signal.NewScorer(tiers)
	scorer.MinConfidence = cfg.Signals.MinConfidence
	var saved domain.ConfidenceState
	if ok, err := db.LoadStateBlob(ctx, "confidence_state", &saved); err != nil {
		log.Warn().Err(err).Msg("confidence state restore failed")
	} else if ok {
		scorer.Restore(saved)
		log.Info().Msg("confidence state restored")
	}

	validator := signal.NewValidator()
	validator.HourlyCap = cfg.Signals.MaxSignalsPerHour
	validator.Cooldown = time.Duration(cfg.Signals.CooldownMinutes) * time.Minute
	validator.DedupWindow = time.Duration(cfg.Signals.DedupWindowMinutes) * time.Minute

	var filter *marketctx.Filter
	if cfg.MarketContext.Enabled {
		filter = marketctx.NewFilter(ring)
		filter.Mode = marketctx.Mode(cfg.MarketContext.FilterMode)
	}

	// --- outbound sinks ---
	telegram := notify.NewTelegramSink(log.With().Str("component", "telegram").Logger())
	push := notify.NewPushSink(os.Getenv("FCM_CREDENTIALS_FILE"), log.With().Str("component", "push").Logger())
	dispatcher := notify.NewDispatcher(telegram, log.With().Str("component", "dispatcher").Logger())
	dispatcher.Push = push
	dispatcher.Failures = db
	dispatcher.OnFailure = metrics.DeliveryFailures.Inc
	// Workers outlive the pipeline context so shutdown can drain the queue;
	// Drain bounds how long that takes.
	dispatcher.Start(context.Background())
	go push.Run(ctx)

	tracker := outcome.New(buffers, scorer)
	tracker.Sink = db
	tracker.Horizon = time.Duration(cfg.Outcome.HorizonMinutes) * time.Minute
	tracker.WinFraction = cfg.Outcome.WinFraction
	tracker.Log = log.With().Str("component", "outcome").Logger()
	tracker.OnOutcome(func(o domain.SignalOutcome) {
		metrics.Outcomes.WithLabelValues(string(o.Label)).Inc()
		metrics.PendingOutcomes.Set(float64(tracker.PendingCount()))
	})
	go tracker.Run(ctx)

	// --- dashboard ---
	dashLog := log.With().Str("component", "dashboard").Logger()
	hub := dashboard.NewHub(cfg.Dashboard.CORSOrigins, dashLog)
	broadcaster := dashboard.NewBroadcaster(hub, buffers, tiers)
	go broadcaster.Run(ctx)

	eng := &engine.Engine{
		Buffers:     buffers,
		Ring:        ring,
		Tiers:       tiers,
		Watch:       watch,
		Norm:        ingest.NewNormalizer(),
		Baselines:   baselines,
		StopHunt:    &analyze.StopHuntDetector{Buffers: buffers, Tiers: tiers},
		OrderFlow:   &analyze.OrderFlowAnalyzer{Buffers: buffers, Tiers: tiers},
		Events:      &analyze.EventPatternDetector{Buffers: buffers, Tiers: tiers, Baselines: baselines},
		Merger:      signal.NewMerger(buffers),
		Validator:   validator,
		Scorer:      scorer,
		Filter:      filter,
		Tracker:     tracker,
		Dispatcher:  dispatcher,
		Broadcaster: broadcaster,
		Store:       db,
		Metrics:     metrics,
		Log:         log.With().Str("component", "engine").Logger(),
	}

	srv := &dashboard.Server{
		Hub:             hub,
		Buffers:         buffers,
		Tiers:           tiers,
		Signals:         db,
		Watch:           watch,
		FeedUp:          eng.FeedHealthy,
		DBCheck:         db.HealthCheck,
		Log:             dashLog,
		APIToken:        cfg.Dashboard.APIToken,
		RateLimitPerMin: cfg.Dashboard.RateLimitPerMin,
		CORSOrigins:     cfg.Dashboard.CORSOrigins,
	}
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info().Str("addr", cfg.Dashboard.Addr).Msg("dashboard listening")
		if err := http.ListenAndServe(cfg.Dashboard.Addr, mux); err != nil {
			log.Fatal().Err(err).Msg("dashboard server failed")
		}
	}()

	// --- context poller ---
	if cfg.MarketContext.Enabled {
		poller := &marketctx.Poller{
			Fetcher:  &marketctx.BinanceFetcher{Client: futures.NewClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"))},
			Ring:     ring,
			Store:    db,
			Symbols:  watch.List(),
			Interval: time.Duration(cfg.MarketContext.PollIntervalSeconds) * time.Second,
			Exchange: "binance",
			Log:      log.With().Str("component", "context").Logger(),
		}
		go poller.Run(ctx)
	}

	// --- upstream feeds ---
	frames := make(chan ingest.Frame, 1024)
	liqFeed := &ingest.Feed{
		URL: ingest.BinanceLiquidationURL,
		Log: log.With().Str("component", "feed").Str("stream", "liquidations").Logger(),
	}
	go liqFeed.Run(ctx, ingest.DecodeBinanceLiquidation, frames)
	tradeFeed := &ingest.Feed{
		URL: ingest.BinanceTradeStreamURL(watch.List()),
		Log: log.With().Str("component", "feed").Str("stream", "trades").Logger(),
	}
	go tradeFeed.Run(ctx, ingest.DecodeBinanceCombined, frames)

	go telegram.StartEventListener(eng.StatusReport)
	telegram.Notify("🚀 *Sentinel online.* Monitoring liquidations and order flow.")
	log.Info().Strs("symbols", watch.List()).Msg("pipeline started")

	go eng.Run(ctx, frames)

	// --- shutdown ---
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	cancel()

	dispatcher.Drain(shutdownDrainTimeout)

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if err := db.SaveStateBlob(persistCtx, "confidence_state", scorer.State()); err != nil {
		log.Warn().Err(err).Msg("confidence state persistence failed")
	}
	if err := db.SaveStateBlob(persistCtx, "watch_set", watch.List()); err != nil {
		log.Warn().Err(err).Msg("watch set persistence failed")
	}

	telegram.Notify("🛑 *Sentinel offline.*")
	log.Info().Msg("shutdown complete")
}
