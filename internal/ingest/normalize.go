// Package ingest owns the single normalisation seam: it rewrites
// vendor-specific field names and stringly-typed numerics into the
// canonical domain.Liquidation / domain.Trade shape. Nothing below this
// seam ever sees a vendor field name again.
package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sentinel/internal/domain"

	"github.com/shopspring/decimal"
)

// RawEvent is the vendor frame shape before normalisation: field names may
// be vendor-specific (volUsd, exName, ...) and numerics may be encoded as
// either JSON numbers or numeric strings.
type RawEvent struct {
	Kind     string // "liquidation" | "trade"
	Symbol   string
	Exchange string
	Price    any
	Side     string
	Notional any
	TSMillis int64
}

// Stats tracks rejection counters by reason, exposed for observability.
type Stats struct {
	Accepted int64
	RejectedMissingSymbol int64
	RejectedBadPrice      int64
	RejectedBadNotional   int64
	RejectedUnparseable   int64
}

// Normalizer turns RawEvents into canonical domain records.
type Normalizer struct {
	stats Stats
}

// NewNormalizer returns a ready-to-use Normalizer.
func NewNormalizer() *Normalizer { return &Normalizer{} }

// Stats returns a copy of the current rejection counters.
func (n *Normalizer) Stats() Stats { return n.stats }

// parseNumeric accepts either a JSON number (float64) or a numeric string,
// so stringly-typed vendor feeds and clean JSON both normalise.
func parseNumeric(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Decimal{}, fmt.Errorf("empty numeric string")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return decimal.Decimal{}, err
			}
			return decimal.NewFromFloat(f), nil
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func sideFromString(kind, raw string) domain.Side {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch kind {
	case "liquidation":
		// Upstream reports the side of the liquidated position: a SELL
		// order liquidates a long, a BUY order liquidates a short.
		if s == "SELL" || s == "LONG" {
			return domain.SideLongLiquidated
		}
		return domain.SideShortLiquidated
	default:
		if s == "SELL" || s == "ASK" {
			return domain.SideSell
		}
		return domain.SideBuy
	}
}

// NormalizeLiquidation converts one raw liquidation frame, rejecting and
// counting records with a missing symbol, non-positive price, or
// non-positive notional. Non-parseable numerics reject the record, never
// the connection.
func (n *Normalizer) NormalizeLiquidation(r RawEvent) (domain.Liquidation, error) {
	if strings.TrimSpace(r.Symbol) == "" {
		n.stats.RejectedMissingSymbol++
		return domain.Liquidation{}, fmt.Errorf("missing symbol")
	}

	price, err := parseNumeric(r.Price)
	if err != nil {
		n.stats.RejectedUnparseable++
		return domain.Liquidation{}, fmt.Errorf("unparseable price: %w", err)
	}
	if !price.IsPositive() {
		n.stats.RejectedBadPrice++
		return domain.Liquidation{}, fmt.Errorf("non-positive price")
	}

	notional, err := parseNumeric(r.Notional)
	if err != nil {
		n.stats.RejectedUnparseable++
		return domain.Liquidation{}, fmt.Errorf("unparseable notional: %w", err)
	}
	if !notional.IsPositive() {
		n.stats.RejectedBadNotional++
		return domain.Liquidation{}, fmt.Errorf("non-positive notional")
	}

	n.stats.Accepted++
	return domain.Liquidation{
		Symbol:   strings.ToUpper(r.Symbol),
		Exchange: r.Exchange,
		Price:    price,
		Side:     sideFromString("liquidation", r.Side),
		Notional: notional,
		TS:       time.UnixMilli(r.TSMillis).UTC(),
	}, nil
}

// NormalizeTrade mirrors NormalizeLiquidation for trade frames.
func (n *Normalizer) NormalizeTrade(r RawEvent) (domain.Trade, error) {
	if strings.TrimSpace(r.Symbol) == "" {
		n.stats.RejectedMissingSymbol++
		return domain.Trade{}, fmt.Errorf("missing symbol")
	}

	price, err := parseNumeric(r.Price)
	if err != nil {
		n.stats.RejectedUnparseable++
		return domain.Trade{}, fmt.Errorf("unparseable price: %w", err)
	}
	if !price.IsPositive() {
		n.stats.RejectedBadPrice++
		return domain.Trade{}, fmt.Errorf("non-positive price")
	}

	notional, err := parseNumeric(r.Notional)
	if err != nil {
		n.stats.RejectedUnparseable++
		return domain.Trade{}, fmt.Errorf("unparseable notional: %w", err)
	}
	if !notional.IsPositive() {
		n.stats.RejectedBadNotional++
		return domain.Trade{}, fmt.Errorf("non-positive notional")
	}

	n.stats.Accepted++
	return domain.Trade{
		Symbol:   strings.ToUpper(r.Symbol),
		Exchange: r.Exchange,
		Price:    price,
		Side:     sideFromString("trade", r.Side),
		Notional: notional,
		TS:       time.UnixMilli(r.TSMillis).UTC(),
	}, nil
}
