// Package signal implements the merge, anti-spam, and confidence-score leg
// of the pipeline.
package signal

import (
	"sort"
	"sync"
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

const coalesceWindow = 2 * time.Second

// pendingKey groups candidates by (symbol, direction) for the coalescing
// window.
type pendingKey struct {
	symbol    string
	direction domain.Direction
}

type pendingGroup struct {
	candidates []*domain.Candidate
	deadline   time.Time
}

// Merger collects candidates triggered by the same symbol within a short
// coalescing window and produces a single TradingSignal, applying the
// type-priority and price-zone rules below.
type Merger struct {
	Buffers *buffer.Manager

	mu      sync.Mutex
	pending map[pendingKey]*pendingGroup
}

// NewMerger returns a ready-to-use Merger.
func NewMerger(buffers *buffer.Manager) *Merger {
	return &Merger{Buffers: buffers, pending: make(map[pendingKey]*pendingGroup)}
}

// Submit adds a candidate to its coalescing group. Call Drain periodically
// (e.g. on a short ticker) to flush groups whose window has elapsed.
func (m *Merger) Submit(c *domain.Candidate, now time.Time) {
	key := pendingKey{symbol: c.Symbol, direction: c.Direction}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.pending[key]
	if !ok {
		g = &pendingGroup{deadline: now.Add(coalesceWindow)}
		m.pending[key] = g
	}
	g.candidates = append(g.candidates, c)
}

// Drain flushes every coalescing group whose deadline has passed and
// returns one merged TradingSignal candidate per group (confidence is
// still the merger's raw score; the scorer adjusts it next).
func (m *Merger) Drain(now time.Time) []*domain.TradingSignal {
	m.mu.Lock()
	var ready []pendingKey
	for k, g := range m.pending {
		if !now.Before(g.deadline) {
			ready = append(ready, k)
		}
	}
	groups := make([]*pendingGroup, 0, len(ready))
	for _, k := range ready {
		groups = append(groups, m.pending[k])
		delete(m.pending, k)
	}
	m.mu.Unlock()

	out := make([]*domain.TradingSignal, 0, len(groups))
	for _, g := range groups {
		if sig := merge(g.candidates, now); sig != nil {
			out = append(out, sig)
		}
	}
	return out
}

func merge(candidates []*domain.Candidate, now time.Time) *domain.TradingSignal {
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Producer.HigherPriority(candidates[j].Producer)
	})
	best := candidates[0]

	dir := majorityDirection(candidates)
	if dir == domain.DirectionNone {
		dir = best.Direction
	}

	entry, stop, target := best.Entry, best.Stop, best.Target
	if best.Producer != domain.SignalStopHunt || entry.IsZero() {
		entry, stop, target = priceZoneFromCandidates(candidates, dir)
	}

	confidence := best.RawScore
	for _, c := range candidates[1:] {
		if c.RawScore > confidence {
			confidence = c.RawScore
		}
	}
	if countConcurring(candidates) >= 2 {
		confidence += 5
	}

	return &domain.TradingSignal{
		Symbol:    best.Symbol,
		Type:      best.Producer,
		Direction: dir,
		Entry:     entry,
		Stop:      stop,
		Target:    target,
		Confidence: confidence,
		TS:        now,
	}
}

func majorityDirection(candidates []*domain.Candidate) domain.Direction {
	counts := map[domain.Direction]int{}
	for _, c := range candidates {
		if c.Direction != domain.DirectionNone {
			counts[c.Direction]++
		}
	}
	if counts[domain.DirectionLong] > counts[domain.DirectionShort] {
		return domain.DirectionLong
	}
	if counts[domain.DirectionShort] > counts[domain.DirectionLong] {
		return domain.DirectionShort
	}
	return domain.DirectionNone
}

func countConcurring(candidates []*domain.Candidate) int {
	n := 0
	for _, c := range candidates {
		if c.Direction != domain.DirectionNone {
			n++
		}
	}
	return n
}

// priceZoneFromCandidates is used when the winning candidate isn't a
// stop-hunt with levels of its own. It takes entry/stop/target from the
// highest-priority candidate that carries an entry; if that candidate has no
// stop or target, they are derived at 0.5% from entry with a 2:1 target.
// Candidate zone fields are not consulted.
func priceZoneFromCandidates(candidates []*domain.Candidate, dir domain.Direction) (entry, stop, target decimal.Decimal) {
	for _, c := range candidates {
		if !c.Entry.IsZero() {
			entry = c.Entry
			stop = c.Stop
			target = c.Target
			break
		}
	}
	if entry.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	if !stop.IsZero() && !target.IsZero() {
		return entry, stop, target
	}
	half := decimal.NewFromFloat(0.005)
	two := decimal.NewFromInt(2)
	if dir == domain.DirectionShort {
		stop = entry.Mul(decimal.NewFromFloat(1).Add(half))
		target = entry.Sub(stop.Sub(entry).Mul(two))
	} else {
		stop = entry.Mul(decimal.NewFromFloat(1).Sub(half))
		target = entry.Add(entry.Sub(stop).Mul(two))
	}
	return entry, stop, target
}
