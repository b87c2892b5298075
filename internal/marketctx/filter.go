// Package marketctx is the market-context subsystem: a REST poller feeding
// per-symbol open-interest/funding snapshots, and the filter that assesses
// each signal's direction against the latest snapshot.
package marketctx

import (
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"
)

// Mode selects how hard the filter acts on an unfavorable assessment.
type Mode string

const (
	ModeStrict     Mode = "strict"     // deliver only favorable
	ModeNormal     Mode = "normal"     // suppress messaging on unfavorable, dashboard always
	ModePermissive Mode = "permissive" // never suppress, adjust confidence only
)

const (
	defaultAgeMax     = 10 * time.Minute
	defaultOIWindow   = time.Hour
	defaultFundingHi  = 0.0001 // 0.01% per 8h equivalent
	defaultFundingLo  = 0.0001
	defaultOIThresh   = 0.05
)

// Verdict is the filter's decision for one signal.
type Verdict struct {
	Assessment       domain.Assessment
	ConfidenceAdjust float64
	DeliverMessaging bool
	DeliverDashboard bool
	Degraded         bool // snapshot stale or absent
}

// Filter gates candidates on open-interest and funding context. It never
// fails: a stale or missing snapshot
// degrades to neutral.
type Filter struct {
	Ring *buffer.ContextRing
	Mode Mode

	AgeMax     time.Duration
	FundingHi  float64
	FundingLo  float64
	OIThresh   float64
	OITolerance time.Duration // closest-snapshot tolerance for the 1h-ago OI lookup
}

// NewFilter builds a Filter with production defaults in normal mode.
func NewFilter(ring *buffer.ContextRing) *Filter {
	return &Filter{
		Ring:        ring,
		Mode:        ModeNormal,
		AgeMax:      defaultAgeMax,
		FundingHi:   defaultFundingHi,
		FundingLo:   defaultFundingLo,
		OIThresh:    defaultOIThresh,
		OITolerance: 10 * time.Minute,
	}
}

// Assess evaluates one signal's direction against the symbol's latest
// snapshot and returns the delivery verdict. At most one assessment is
// applied per signal; the caller applies ConfidenceAdjust exactly once.
func (f *Filter) Assess(sig *domain.TradingSignal, now time.Time) Verdict {
	latest, ok := f.Ring.Latest(sig.Symbol)
	if !ok || now.Sub(latest.TS) > f.AgeMax {
		return f.verdict(domain.AssessmentNeutral, 0, true)
	}

	funding, _ := latest.FundingRate.Float64()
	deltaOI, haveDelta := f.oiDelta(sig.Symbol, latest, now)

	assessment := domain.AssessmentNeutral
	adjust := 0.0
	switch sig.Direction {
	case domain.DirectionLong:
		switch {
		case haveDelta && funding <= -f.FundingLo && deltaOI >= f.OIThresh:
			assessment = domain.AssessmentFavorable
		case haveDelta && funding >= f.FundingHi && deltaOI >= f.OIThresh:
			// Crowded long: rising OI with longs paying shorts.
			assessment = domain.AssessmentUnfavorable
		default:
			if funding <= 0 {
				adjust = 2
			}
		}
	case domain.DirectionShort:
		switch {
		case haveDelta && funding >= f.FundingLo && deltaOI >= f.OIThresh:
			assessment = domain.AssessmentFavorable
		case haveDelta && funding <= -f.FundingHi && deltaOI >= f.OIThresh:
			assessment = domain.AssessmentUnfavorable
		default:
			if funding >= 0 {
				adjust = 2
			}
		}
	default:
		// Directionless signals have no crowding reading.
	}

	switch assessment {
	case domain.AssessmentFavorable:
		adjust = 5
	case domain.AssessmentUnfavorable:
		adjust = -10
	}
	return f.verdict(assessment, adjust, false)
}

func (f *Filter) verdict(a domain.Assessment, adjust float64, degraded bool) Verdict {
	v := Verdict{
		Assessment:       a,
		ConfidenceAdjust: adjust,
		DeliverDashboard: true,
		DeliverMessaging: true,
		Degraded:         degraded,
	}
	switch f.Mode {
	case ModeStrict:
		v.DeliverMessaging = a == domain.AssessmentFavorable
	case ModePermissive:
	default:
		v.DeliverMessaging = a != domain.AssessmentUnfavorable
	}
	return v
}

// oiDelta computes (oi_now - oi_1h_ago)/oi_1h_ago using the closest
// snapshot to the 1h-ago mark within the configured tolerance.
func (f *Filter) oiDelta(symbol string, latest domain.ContextSnapshot, now time.Time) (float64, bool) {
	past, ok := f.Ring.At(symbol, now.Add(-defaultOIWindow), f.OITolerance)
	if !ok || !past.OpenInterest.IsPositive() {
		return 0, false
	}
	delta := latest.OpenInterest.Sub(past.OpenInterest).Div(past.OpenInterest)
	d, _ := delta.Float64()
	return d, true
}

// Apply folds a verdict into the signal: confidence adjustment (clamped
// back into [0,100]), assessment tag, and the degraded marker the
// messaging sink renders as a suffix.
func Apply(sig *domain.TradingSignal, v Verdict) {
	sig.Context = v.Assessment
	sig.Degraded = v.Degraded
	sig.Confidence += v.ConfidenceAdjust
	if sig.Confidence < 0 {
		sig.Confidence = 0
	}
	if sig.Confidence > 100 {
		sig.Confidence = 100
	}
	sig.Priority = domain.PriorityFor(sig.Confidence)
}
