package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Binance futures stream endpoints. The liquidation feed is the global
// !forceOrder stream; trades arrive on a combined per-symbol stream.
const (
	BinanceLiquidationURL = "wss://fstream.binance.com/ws/!forceOrder@arr"
	binanceCombinedBase   = "wss://fstream.binance.com/stream?streams="
)

// BinanceTradeStreamURL builds the combined aggTrade stream URL for the
// given symbols.
func BinanceTradeStreamURL(symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@aggTrade")
	}
	return binanceCombinedBase + strings.Join(streams, "/")
}

type binanceForceOrder struct {
	Event string `json:"e"`
	Order struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Qty      string `json:"q"`
		AvgPrice string `json:"ap"`
		TradeTS  int64  `json:"T"`
	} `json:"o"`
}

type binanceCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceAggTrade struct {
	Event      string `json:"e"`
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	BuyerMaker bool   `json:"m"`
	TradeTS    int64  `json:"T"`
}

// DecodeBinanceLiquidation turns one !forceOrder frame into a liquidation
// RawEvent. The notional is price x quantity; when either fails to parse
// the raw strings pass through so the normaliser counts the rejection.
func DecodeBinanceLiquidation(raw []byte) ([]Frame, error) {
	var msg binanceForceOrder
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("force order frame: %w", err)
	}
	if msg.Event != "forceOrder" {
		return nil, nil
	}

	ev := RawEvent{
		Kind:     "liquidation",
		Symbol:   msg.Order.Symbol,
		Exchange: "binance",
		Price:    msg.Order.AvgPrice,
		Side:     msg.Order.Side,
		Notional: msg.Order.Qty,
		TSMillis: msg.Order.TradeTS,
	}
	if p, perr := decimal.NewFromString(msg.Order.AvgPrice); perr == nil {
		if q, qerr := decimal.NewFromString(msg.Order.Qty); qerr == nil {
			ev.Notional = p.Mul(q)
		}
	}
	return []Frame{{Type: "liquidation", Event: ev}}, nil
}

// DecodeBinanceCombined turns one combined-stream frame into a trade
// RawEvent. Non-aggTrade streams are skipped, not errors.
func DecodeBinanceCombined(raw []byte) ([]Frame, error) {
	var msg binanceCombined
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("combined frame: %w", err)
	}
	if !strings.Contains(msg.Stream, "@aggTrade") {
		return nil, nil
	}

	var trade binanceAggTrade
	if err := json.Unmarshal(msg.Data, &trade); err != nil {
		return nil, fmt.Errorf("aggTrade payload: %w", err)
	}

	// m=true means the buyer was the maker, so the aggressor sold.
	side := "BUY"
	if trade.BuyerMaker {
		side = "SELL"
	}
	ev := RawEvent{
		Kind:     "trade",
		Symbol:   trade.Symbol,
		Exchange: "binance",
		Price:    trade.Price,
		Side:     side,
		Notional: trade.Qty,
		TSMillis: trade.TradeTS,
	}
	if p, perr := decimal.NewFromString(trade.Price); perr == nil {
		if q, qerr := decimal.NewFromString(trade.Qty); qerr == nil {
			ev.Notional = p.Mul(q)
		}
	}
	return []Frame{{Type: "trade", Event: ev}}, nil
}
