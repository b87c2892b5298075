package domain

import "github.com/shopspring/decimal"

// TierThresholds holds the tier-scaled numeric knobs analyzers consult.
// A zero-value TierThresholds is useless,
// always construct via DefaultTierThresholds.
type TierThresholds struct {
	CascadeThreshold      decimal.Decimal
	AbsorptionThreshold   decimal.Decimal
	LargeOrderThreshold   decimal.Decimal
}

// DefaultTierThresholds returns the production default thresholds for a
// tier. Unknown tiers fall back to Tier3.
func DefaultTierThresholds(t Tier) TierThresholds {
	switch t {
	case Tier1:
		return TierThresholds{
			CascadeThreshold:    decimal.NewFromInt(2_000_000),
			AbsorptionThreshold: decimal.NewFromInt(100_000),
			LargeOrderThreshold: decimal.NewFromInt(10_000),
		}
	case Tier2:
		return TierThresholds{
			CascadeThreshold:    decimal.NewFromInt(200_000),
			AbsorptionThreshold: decimal.NewFromInt(20_000),
			LargeOrderThreshold: decimal.NewFromInt(5_000),
		}
	default:
		return TierThresholds{
			CascadeThreshold:    decimal.NewFromInt(50_000),
			AbsorptionThreshold: decimal.NewFromInt(5_000),
			LargeOrderThreshold: decimal.NewFromInt(2_000),
		}
	}
}

// TierMap assigns symbols to tiers from configuration; symbols absent from
// both explicit sets default to Tier3.
type TierMap struct {
	tier1 map[string]struct{}
	tier2 map[string]struct{}
}

// NewTierMap builds a TierMap from the configured tier-1/tier-2 symbol
// lists. Tier3 is implicit — everything not listed.
func NewTierMap(tier1, tier2 []string) *TierMap {
	tm := &TierMap{tier1: make(map[string]struct{}, len(tier1)), tier2: make(map[string]struct{}, len(tier2))}
	for _, s := range tier1 {
		tm.tier1[s] = struct{}{}
	}
	for _, s := range tier2 {
		tm.tier2[s] = struct{}{}
	}
	return tm
}

// TierFor returns the static tier for a symbol, defaulting to Tier3.
func (tm *TierMap) TierFor(symbol string) Tier {
	if tm == nil {
		return Tier3
	}
	if _, ok := tm.tier1[symbol]; ok {
		return Tier1
	}
	if _, ok := tm.tier2[symbol]; ok {
		return Tier2
	}
	return Tier3
}

// TierBias is the confidence scorer's small-cap quality boost.
func TierBias(t Tier) float64 {
	switch t {
	case Tier1:
		return 0
	case Tier2:
		return 2
	default:
		return 4
	}
}

// PriorityFor maps a final clamped confidence to a delivery priority.
func PriorityFor(confidence float64) Priority {
	switch {
	case confidence >= 85:
		return PriorityUrgent
	case confidence >= 70:
		return PriorityWatch
	default:
		return PriorityInfo
	}
}
