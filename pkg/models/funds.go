package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Funds is the per-user cash record. Invariants, which hold after every
// committed transaction:
//
//	available_balance >= 0
//	used_margin       >= 0
//	available_balance + used_margin + holdings investment
//	    == total_capital + realized_pnl   (conservation)
//	total_pnl == realized_pnl + unrealized_pnl
type Funds struct {
	UserID           string          `json:"user_id"`
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	UsedMargin       decimal.Decimal `json:"used_margin"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	LastResetDate    time.Time       `json:"last_reset_date"`
	ResetCount       int64           `json:"reset_count"`
}
