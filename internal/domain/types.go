// Package domain holds the shared entity shapes that flow through the
// detection pipeline: liquidations and trades at the bottom, trading
// signals and their outcomes at the top.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a liquidation or trade as reported upstream.
type Side int

const (
	SideUnknown Side = iota
	SideLongLiquidated
	SideShortLiquidated
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideLongLiquidated:
		return "long-liquidated"
	case SideShortLiquidated:
		return "short-liquidated"
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Direction is the directional bias a candidate or signal carries.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "none"
	}
}

// Tier is a static liquidity classification that scales thresholds.
type Tier int

const (
	Tier1 Tier = 1 // majors
	Tier2 Tier = 2 // mid-caps
	Tier3 Tier = 3 // everything else, also the default for unseen symbols
)

// Priority is the delivery tier derived from final confidence.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityWatch  Priority = "watch"
	PriorityInfo   Priority = "info"
)

// Assessment is the market-context filter's verdict on a candidate's
// direction.
type Assessment string

const (
	AssessmentFavorable   Assessment = "favorable"
	AssessmentNeutral     Assessment = "neutral"
	AssessmentUnfavorable Assessment = "unfavorable"
)

// OutcomeLabel is the result the outcome tracker assigns a signal once its
// horizon elapses.
type OutcomeLabel string

const (
	OutcomeWin     OutcomeLabel = "win"
	OutcomeLoss    OutcomeLabel = "loss"
	OutcomeExpired OutcomeLabel = "expired"
	OutcomeNeutral OutcomeLabel = "neutral"
)

// SignalType names the producer that generated a TradingSignal. Ordering
// here doubles as merger priority: stop-hunt > whale > order-flow >
// volume-spike.
type SignalType string

const (
	SignalStopHunt     SignalType = "STOP_HUNT"
	SignalAccumulation SignalType = "ACCUMULATION"
	SignalDistribution SignalType = "DISTRIBUTION"
	SignalOrderFlow    SignalType = "ORDER_FLOW"
	SignalVolumeSpike  SignalType = "VOLUME_SPIKE"
)

func (t SignalType) mergePriority() int {
	switch t {
	case SignalStopHunt:
		return 4
	case SignalAccumulation, SignalDistribution:
		return 3
	case SignalOrderFlow:
		return 2
	case SignalVolumeSpike:
		return 1
	default:
		return 0
	}
}

// HigherPriority reports whether t outranks other in the merger's type
// precedence (stop-hunt > whale > order-flow > volume-spike).
func (t SignalType) HigherPriority(other SignalType) bool {
	return t.mergePriority() > other.mergePriority()
}

// Liquidation is a forced-closure event, normalised from vendor shape.
type Liquidation struct {
	Symbol   string
	Exchange string
	Price    decimal.Decimal
	Side     Side // SideLongLiquidated | SideShortLiquidated
	Notional decimal.Decimal
	TS       time.Time
}

// Trade is an aggregated-trade event, normalised from vendor shape.
type Trade struct {
	Symbol   string
	Exchange string
	Price    decimal.Decimal
	Side     Side // SideBuy | SideSell
	Notional decimal.Decimal
	TS       time.Time
}

// ContextSnapshot is one open-interest/funding-rate sample for a symbol.
type ContextSnapshot struct {
	Symbol        string
	TS            time.Time
	OpenInterest  decimal.Decimal // USD notional
	FundingRate   decimal.Decimal // signed fraction
	SourceExchange string
}

// Candidate is the ephemeral output of a single analyzer pass.
type Candidate struct {
	Producer  SignalType
	Symbol    string
	Direction Direction
	RawScore  float64
	Entry     decimal.Decimal
	Stop      decimal.Decimal
	Target    decimal.Decimal
	ZoneLow   decimal.Decimal
	ZoneHigh  decimal.Decimal
	Meta      map[string]decimal.Decimal
	TS        time.Time
}

// Fingerprint is the dedup key for a TradingSignal: (symbol, type,
// direction, round(confidence/5)).
type Fingerprint struct {
	Symbol       string
	Type         SignalType
	Direction    Direction
	ConfidenceBand int
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%s|%s|%d", f.Symbol, f.Type, f.Direction, f.ConfidenceBand)
}

// NewFingerprint buckets confidence into bands of 5 before building the key.
func NewFingerprint(symbol string, t SignalType, dir Direction, confidence float64) Fingerprint {
	band := int(confidence/5 + 0.5)
	return Fingerprint{Symbol: symbol, Type: t, Direction: dir, ConfidenceBand: band}
}

// TradingSignal is the unit the pipeline delivers to its sinks.
type TradingSignal struct {
	ID          string
	Symbol      string
	Type        SignalType
	Direction   Direction
	Entry       decimal.Decimal
	Stop        decimal.Decimal
	Target      decimal.Decimal
	Confidence  float64
	Tier        Tier
	Priority    Priority
	Context     Assessment
	TS          time.Time
	Fingerprint Fingerprint
	Degraded    bool // context was stale when this signal was scored
}

// SignalOutcome is created exactly once, at entry-ts + horizon.
type SignalOutcome struct {
	SignalID      string
	TS            time.Time
	PriceAtCheck  decimal.Decimal
	PctToTarget   float64
	Label         OutcomeLabel
}

// BaselineStats is the rolling per-minute notional-volume baseline used by
// the volume-spike sub-detector.
type BaselineStats struct {
	Symbol      string
	Mean        float64
	StdDev      float64
	SampleCount int64
	UpdatedAt   time.Time
}

// ConfidenceState is the confidence scorer's per-producer feedback state.
type ConfidenceState struct {
	Wins map[SignalType]int64
	Losses map[SignalType]int64
}

// WinRate returns the producer's win rate, or 0 if it has no decided
// outcomes yet.
func (c *ConfidenceState) WinRate(t SignalType) (rate float64, decided int64) {
	decided = c.Wins[t] + c.Losses[t]
	if decided == 0 {
		return 0, 0
	}
	return float64(c.Wins[t]) / float64(decided), decided
}

// Record appends one outcome to the producer's win/loss counters.
func (c *ConfidenceState) Record(t SignalType, won bool) {
	if c.Wins == nil {
		c.Wins = map[SignalType]int64{}
	}
	if c.Losses == nil {
		c.Losses = map[SignalType]int64{}
	}
	if won {
		c.Wins[t]++
	} else {
		c.Losses[t]++
	}
}
