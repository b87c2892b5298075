package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/csv"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/rs/zerolog"
)

const (
	defaultRateLimitPerMin = 30
	snapshotSignalLimit    = 50
)

// SignalSource reads back recently delivered signals; implemented by the
// store.
type SignalSource interface {
	RecentSignals(ctx context.Context, n int) ([]domain.TradingSignal, error)
}

// WatchList is the mutable monitored-symbol set the mutation endpoints
// operate on; implemented by the engine.
type WatchList interface {
	Add(symbol string) bool
	Remove(symbol string) bool
	List() []string
}

// Server is the dashboard HTTP surface: websocket endpoint, snapshot and
// CSV read APIs, health probe, and the token-gated watch-list mutations.
type Server struct {
	Hub      *Hub
	Buffers  *buffer.Manager
	Tiers    *domain.TierMap
	Signals  SignalSource // may be nil
	Watch    WatchList    // may be nil
	FeedUp   func() bool
	DBCheck  func() error
	Log      zerolog.Logger

	APIToken        string
	RateLimitPerMin int
	CORSOrigins     []string

	limiter rateLimiter
}

// Handler assembles the route table. Every route passes through the
// per-address rate limiter; everything except /healthz and /ws requires the
// bearer token when one is configured.
func (s *Server) Handler() http.Handler {
	if s.RateLimitPerMin <= 0 {
		s.RateLimitPerMin = defaultRateLimitPerMin
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.Hub.HandleWebSocket)
	mux.Handle("/api/snapshot", s.auth(http.HandlerFunc(s.handleSnapshot)))
	mux.Handle("/api/signals.csv", s.auth(http.HandlerFunc(s.handleSignalsCSV)))
	mux.Handle("/api/symbols", s.auth(http.HandlerFunc(s.handleSymbols)))
	return s.rateLimit(s.cors(mux))
}

// cors reflects allowed origins back. An empty origin list allows any
// origin, matching the hub's upgrader.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.CORSOrigins))
	for _, o := range s.CORSOrigins {
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || len(allowed) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auth enforces "Authorization: Bearer <token>" with a constant-time
// comparison. An empty configured token disables auth for local use.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.APIToken)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// allow counts requests per remote address over a one-minute sliding
// window.
func (rl *rateLimiter) allow(addr string, limit int, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.windows == nil {
		rl.windows = make(map[string][]time.Time)
	}
	cutoff := now.Add(-time.Minute)
	kept := rl.windows[addr][:0]
	for _, t := range rl.windows[addr] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.windows[addr] = kept
		return false
	}
	rl.windows[addr] = append(kept, now)
	return true
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host, s.RateLimitPerMin, time.Now()) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	feedUp := s.FeedUp != nil && s.FeedUp()
	dbOK := true
	if s.DBCheck != nil {
		dbOK = s.DBCheck() == nil
	}

	status := "healthy"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"feed_connected": feedUp,
		"db_ok":          dbOK,
		"clients":        s.Hub.ClientCount(),
		"time":           time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	b := &Broadcaster{Hub: s.Hub, Buffers: s.Buffers, Tiers: s.Tiers}

	var signals []domain.TradingSignal
	if s.Signals != nil {
		var err error
		signals, err = s.Signals.RecentSignals(r.Context(), snapshotSignalLimit)
		if err != nil {
			s.Log.Warn().Err(err).Msg("recent-signals query failed")
		}
	}

	events := make([]signalEvent, 0, len(signals))
	for i := range signals {
		sig := &signals[i]
		events = append(events, signalEvent{
			Type:       "signal",
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
			TS:         sig.TS.UnixMilli(),
		})
	}

	stats := s.Buffers.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"stats": map[string]int64{
			"total_liquidations": stats.TotalLiquidations,
			"total_trades":       stats.TotalTrades,
			"dropped_cap":        stats.DroppedCapLiq + stats.DroppedCapTrades,
			"dropped_ordering":   stats.DroppedOrderingLiq + stats.DroppedOrderingTrade,
		},
		"flows":     b.FlowSummaries(now),
		"signals":   events,
		"timestamp": now.UnixMilli(),
	})
}

func (s *Server) handleSignalsCSV(w http.ResponseWriter, r *http.Request) {
	if s.Signals == nil {
		http.Error(w, "persistence disabled", http.StatusNotImplemented)
		return
	}
	signals, err := s.Signals.RecentSignals(r.Context(), snapshotSignalLimit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="signals.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"id", "ts", "symbol", "type", "direction", "entry", "stop", "target", "confidence", "tier", "priority", "context"})
	for i := range signals {
		sig := &signals[i]
		cw.Write([]string{
			sig.ID,
			sig.TS.UTC().Format(time.RFC3339),
			sig.Symbol,
			string(sig.Type),
			sig.Direction.String(),
			sig.Entry.String(),
			sig.Stop.String(),
			sig.Target.String(),
			strconv.FormatFloat(sig.Confidence, 'f', 1, 64),
			strconv.Itoa(int(sig.Tier)),
			string(sig.Priority),
			string(sig.Context),
		})
	}
	cw.Flush()
}

// handleSymbols serves the watch-list: GET lists, POST mutates with a JSON
// body of {"action": "add"|"remove", "symbol": "..."}.
func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	if s.Watch == nil {
		http.Error(w, "watch list disabled", http.StatusNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"symbols": s.Watch.List()})

	case http.MethodPost:
		var req struct {
			Action string `json:"action"`
			Symbol string `json:"symbol"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

		var changed bool
		switch req.Action {
		case "add":
			changed = s.Watch.Add(symbol)
		case "remove":
			changed = s.Watch.Remove(symbol)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		if changed {
			s.Log.Info().Str("symbol", symbol).Str("action", req.Action).Msg("watch list changed")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"changed": changed, "symbols": s.Watch.List()})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
