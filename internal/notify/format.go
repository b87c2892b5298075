// Package notify owns the outbound messaging side: Telegram as the primary
// chat sink and Firebase Cloud Messaging as the secondary app-push fan-out.
// The core hands it fully-scored signals; formatting, queueing, and
// transport retries live here.
package notify

import (
	"fmt"
	"strings"

	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

// FormatPrice renders a price with precision chosen by order of magnitude,
// so BTC at ~100k and a meme coin at ~0.00001 both stay readable without
// losing sub-cent resolution.
func FormatPrice(p decimal.Decimal) string {
	abs := p.Abs()
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return p.StringFixed(2)
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return p.StringFixed(4)
	case abs.GreaterThanOrEqual(decimal.NewFromFloat(0.001)):
		return p.StringFixed(6)
	default:
		return p.StringFixed(10)
	}
}

func priorityIcon(p domain.Priority) string {
	switch p {
	case domain.PriorityUrgent:
		return "🚨"
	case domain.PriorityWatch:
		return "👀"
	default:
		return "ℹ️"
	}
}

func directionIcon(d domain.Direction) string {
	switch d {
	case domain.DirectionLong:
		return "🟢 LONG"
	case domain.DirectionShort:
		return "🔴 SHORT"
	default:
		return "⚪ NEUTRAL"
	}
}

// Summary builds the human-readable Telegram message body for a signal.
// Signals scored against stale context carry a [degraded] suffix.
func Summary(sig *domain.TradingSignal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s\n\n", priorityIcon(sig.Priority), sig.Type, directionIcon(sig.Direction))
	fmt.Fprintf(&b, "*Pair:* %s | *Tier:* %d\n", sig.Symbol, sig.Tier)
	fmt.Fprintf(&b, "*Confidence:* %.0f%% (%s)\n", sig.Confidence, sig.Priority)
	fmt.Fprintf(&b, "*Context:* %s\n", sig.Context)
	if !sig.Entry.IsZero() {
		fmt.Fprintf(&b, "*Entry:* %s | *SL:* %s | *TP:* %s\n",
			FormatPrice(sig.Entry), FormatPrice(sig.Stop), FormatPrice(sig.Target))
	}
	if sig.Degraded {
		b.WriteString("\n[degraded]")
	}
	return b.String()
}
