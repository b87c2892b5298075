package signal

import (
	"sync"
	"time"

	"sentinel/internal/domain"
)

// DropReason names why the validator refused a signal.
type DropReason string

const (
	DropDuplicate   DropReason = "duplicate"
	DropCooldown    DropReason = "cooldown"
	DropRateLimited DropReason = "rate_limited"
)

const (
	defaultDedupWindow   = 300 * time.Second
	defaultCooldown      = 300 * time.Second
	defaultHourlyBudget  = 50
)

// Validator is the anti-spam gate: dedup-by-fingerprint, per-symbol
// cooldown, and a global hourly rate cap. All three maps are guarded by a
// single mutex held only for O(1) work.
type Validator struct {
	DedupWindow time.Duration
	Cooldown    time.Duration
	HourlyCap   int

	mu        sync.Mutex
	lastByFP  map[string]time.Time
	lastBySym map[string]time.Time
	emits     []time.Time // sliding 1h window of accepted emit times
	drops     map[DropReason]int64
}

// NewValidator builds a Validator with the production anti-spam defaults.
func NewValidator() *Validator {
	return &Validator{
		DedupWindow: defaultDedupWindow,
		Cooldown:    defaultCooldown,
		HourlyCap:   defaultHourlyBudget,
		lastByFP:    make(map[string]time.Time),
		lastBySym:   make(map[string]time.Time),
		drops:       make(map[DropReason]int64),
	}
}

// Admit decides whether a signal may proceed to delivery. On refusal the
// returned reason names the first gate that failed (dedup, then cooldown,
// then rate cap). Admission reserves the per-symbol cooldown slot and one
// hourly token.
func (v *Validator) Admit(sig *domain.TradingSignal, now time.Time) (bool, DropReason) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fp := sig.Fingerprint.String()
	if last, ok := v.lastByFP[fp]; ok && now.Sub(last) < v.DedupWindow {
		v.drops[DropDuplicate]++
		return false, DropDuplicate
	}
	if last, ok := v.lastBySym[sig.Symbol]; ok && now.Sub(last) < v.Cooldown {
		v.drops[DropCooldown]++
		return false, DropCooldown
	}

	cutoff := now.Add(-time.Hour)
	kept := v.emits[:0]
	for _, ts := range v.emits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	v.emits = kept
	if len(v.emits) >= v.HourlyCap {
		v.drops[DropRateLimited]++
		return false, DropRateLimited
	}

	v.lastByFP[fp] = now
	v.lastBySym[sig.Symbol] = now
	v.emits = append(v.emits, now)
	return true, ""
}

// Drops returns a copy of the per-reason drop counters.
func (v *Validator) Drops() map[DropReason]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[DropReason]int64, len(v.drops))
	for k, n := range v.drops {
		out[k] = n
	}
	return out
}
