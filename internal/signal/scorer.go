package signal

import (
	"fmt"
	"sync"
	"time"

	"sentinel/internal/domain"
)

const (
	biasFloor      = 20 // decided outcomes required before producer bias kicks in
	defaultMinConf = 70
)

// Scorer applies the adaptive win-rate and tier confidence adjustments and
// assigns tiered priority. It is the single serialisation point for
// ConfidenceState: outcome feedback and scoring both go through its mutex.
type Scorer struct {
	Tiers         *domain.TierMap
	MinConfidence float64

	mu    sync.Mutex
	state domain.ConfidenceState
}

// NewScorer builds a Scorer with an empty feedback state.
func NewScorer(tiers *domain.TierMap) *Scorer {
	return &Scorer{Tiers: tiers, MinConfidence: defaultMinConf}
}

// Restore replaces the feedback state wholesale, used at boot to reload the
// persisted win/loss counters.
func (s *Scorer) Restore(state domain.ConfidenceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// State returns a deep copy of the current feedback state for persistence.
func (s *Scorer) State() domain.ConfidenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := domain.ConfidenceState{
		Wins:   make(map[domain.SignalType]int64, len(s.state.Wins)),
		Losses: make(map[domain.SignalType]int64, len(s.state.Losses)),
	}
	for k, n := range s.state.Wins {
		out.Wins[k] = n
	}
	for k, n := range s.state.Losses {
		out.Losses[k] = n
	}
	return out
}

// RecordOutcome feeds one win/loss back into the producer's counters.
func (s *Scorer) RecordOutcome(producer domain.SignalType, won bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Record(producer, won)
}

// Score finalises a merged signal in place: producer bias, tier bias,
// clamp, priority, id, fingerprint. It returns false if the signal lands
// below the minimum confidence and must be dropped.
func (s *Scorer) Score(sig *domain.TradingSignal, now time.Time) bool {
	s.mu.Lock()
	rate, decided := s.state.WinRate(sig.Type)
	s.mu.Unlock()

	conf := sig.Confidence
	if decided >= biasFloor {
		bias := 20*rate - 10
		if bias > 10 {
			bias = 10
		}
		if bias < -10 {
			bias = -10
		}
		conf += bias
	}

	tier := s.Tiers.TierFor(sig.Symbol)
	conf += domain.TierBias(tier)

	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}

	sig.Confidence = conf
	sig.Tier = tier
	sig.Priority = domain.PriorityFor(conf)
	sig.TS = now
	if sig.ID == "" {
		sig.ID = fmt.Sprintf("%s-%d", sig.Symbol, now.UnixNano())
	}
	sig.Fingerprint = domain.NewFingerprint(sig.Symbol, sig.Type, sig.Direction, conf)

	return conf >= s.MinConfidence
}
