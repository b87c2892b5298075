package marketctx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sentinel/internal/buffer"
	"sentinel/internal/domain"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultPollInterval = 300 * time.Second
	defaultCallTimeout  = 10 * time.Second
)

// Fetcher fetches the current open-interest and funding-rate reading for a
// symbol. Split from the Poller so tests can substitute a fake.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (oi, funding decimal.Decimal, err error)
}

// BinanceFetcher reads the two history endpoints through the futures REST
// client and keeps only the close of the most recent bar.
type BinanceFetcher struct {
	Client *futures.Client
}

// NormalizeSymbol ensures the symbol carries the USDT-perpetual suffix the
// REST endpoints expect.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if !strings.HasSuffix(symbol, "USDT") {
		return symbol + "USDT"
	}
	return symbol
}

// Fetch pulls the most recent OI-history bar and funding-rate entry.
func (b *BinanceFetcher) Fetch(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	sym := NormalizeSymbol(symbol)

	oiHist, err := b.Client.NewOpenInterestStatisticsService().
		Symbol(sym).
		Period("5m").
		Limit(1).
		Do(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("open interest history %s: %w", sym, err)
	}
	if len(oiHist) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("open interest history %s: empty response", sym)
	}
	oi, err := decimal.NewFromString(oiHist[len(oiHist)-1].SumOpenInterestValue)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("open interest value %s: %w", sym, err)
	}

	rates, err := b.Client.NewFundingRateService().
		Symbol(sym).
		Limit(1).
		Do(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("funding rate %s: %w", sym, err)
	}
	if len(rates) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("funding rate %s: empty response", sym)
	}
	funding, err := decimal.NewFromString(rates[len(rates)-1].FundingRate)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("funding rate value %s: %w", sym, err)
	}

	return oi, funding, nil
}

// Poller fetches context snapshots for every monitored symbol at a fixed
// cadence and feeds the ring. It never blocks the hot path. A failed symbol
// is not retried within the round: the round pauses for an exponentially
// growing backoff (reset by the next success) before moving to the next
// symbol, and the failed symbol is polled again on the next tick. Failures
// surface as a warning only after three consecutive misses per symbol.
type Poller struct {
	Fetcher  Fetcher
	Ring     *buffer.ContextRing
	Store    SnapshotSink // optional persistence, may be nil
	Symbols  []string
	Interval time.Duration
	Timeout  time.Duration
	Exchange string
	Log      zerolog.Logger

	failures map[string]int
}

// SnapshotSink receives every polled snapshot for durable storage.
// Persistence failures are warn-and-continue, never fatal.
type SnapshotSink interface {
	SaveContextSnapshot(ctx context.Context, s domain.ContextSnapshot) error
}

// Run polls until ctx is cancelled. One immediate round fires at start so
// the filter has context before the first interval elapses.
func (p *Poller) Run(ctx context.Context) {
	if p.Interval <= 0 {
		p.Interval = defaultPollInterval
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultCallTimeout
	}
	p.failures = make(map[string]int)

	p.pollAll(ctx)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for _, sym := range p.Symbols {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollSymbol(ctx, sym); err != nil {
			p.failures[sym]++
			if p.failures[sym] >= 3 {
				p.Log.Warn().Err(err).Str("symbol", sym).Int("consecutive", p.failures[sym]).
					Msg("context poll failing")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.Duration()):
			}
			continue
		}
		p.failures[sym] = 0
		b.Reset()
	}
}

func (p *Poller) pollSymbol(ctx context.Context, symbol string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	oi, funding, err := p.Fetcher.Fetch(callCtx, symbol)
	if err != nil {
		return err
	}

	snap := domain.ContextSnapshot{
		Symbol:         symbol,
		TS:             time.Now().UTC(),
		OpenInterest:   oi,
		FundingRate:    funding,
		SourceExchange: p.Exchange,
	}
	p.Ring.Add(snap)
	if p.Store != nil {
		if err := p.Store.SaveContextSnapshot(ctx, snap); err != nil {
			p.Log.Warn().Err(err).Str("symbol", symbol).Msg("context snapshot persist failed")
		}
	}
	return nil
}
