package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a net position row.
type PositionKey struct {
	UserID   string  `json:"user_id"`
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Product  Product `json:"product"`
}

// Position is the net position per (user, symbol, exchange, product).
// Quantity is signed: positive long, negative short, zero flat. A flat
// row is kept for P&L accumulation until the session resets.
type Position struct {
	UserID                 string          `json:"user_id"`
	Symbol                 string          `json:"symbol"`
	Exchange               string          `json:"exchange"`
	Product                Product         `json:"product"`
	Quantity               int64           `json:"quantity"`
	AveragePrice           decimal.Decimal `json:"average_price"`
	LTP                    decimal.Decimal `json:"ltp"`
	PnL                    decimal.Decimal `json:"pnl"`
	PnLPercent             decimal.Decimal `json:"pnl_percent"`
	AccumulatedRealizedPnL decimal.Decimal `json:"accumulated_realized_pnl"`
	MarginBlocked          decimal.Decimal `json:"margin_blocked"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Key returns the identifying tuple.
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, Symbol: p.Symbol, Exchange: p.Exchange, Product: p.Product}
}

// AbsQuantity returns |quantity|.
func (p *Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Direction returns +1 for long, -1 for short, 0 for flat.
func (p *Position) Direction() int64 {
	switch {
	case p.Quantity > 0:
		return 1
	case p.Quantity < 0:
		return -1
	}
	return 0
}

// Holding is a delivery-settled CNC row per (user, symbol, exchange).
// Zero-quantity rows are deleted in the transaction that empties them.
type Holding struct {
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Exchange       string          `json:"exchange"`
	Quantity       int64           `json:"quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	LTP            decimal.Decimal `json:"ltp"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPercent     decimal.Decimal `json:"pnl_percent"`
	SettlementDate time.Time       `json:"settlement_date"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InvestmentValue returns quantity x average price, the amount the
// holding contributes to the funds conservation identity.
func (h *Holding) InvestmentValue() decimal.Decimal {
	return h.AveragePrice.Mul(decimal.NewFromInt(h.Quantity))
}
