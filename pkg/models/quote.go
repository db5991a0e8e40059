package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a point-in-time market snapshot for a symbol.
type Quote struct {
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	LTP      decimal.Decimal `json:"ltp"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	LTT      time.Time       `json:"ltt"` // last traded time
}

// BuyPrice returns the price a market BUY executes at: best ask,
// falling back to LTP when no ask is available.
func (q Quote) BuyPrice() decimal.Decimal {
	if q.Ask.IsPositive() {
		return q.Ask
	}
	return q.LTP
}

// SellPrice returns the price a market SELL executes at: best bid,
// falling back to LTP when no bid is available.
func (q Quote) SellPrice() decimal.Decimal {
	if q.Bid.IsPositive() {
		return q.Bid
	}
	return q.LTP
}

// QuoteProvider supplies live quotes from the upstream broker. Calls may
// take arbitrary wall time and must never be made while holding a
// per-user lock.
type QuoteProvider interface {
	Quote(ctx context.Context, symbol, exchange string) (Quote, error)
}

// SymbolMetaProvider resolves instrument metadata from the symbol master.
type SymbolMetaProvider interface {
	// LotSize returns the minimum tradeable unit (1 for non-derivatives).
	LotSize(ctx context.Context, symbol, exchange string) (int64, error)
	// Exists reports whether the symbol trades on the exchange.
	Exists(ctx context.Context, symbol, exchange string) (bool, error)
}
