package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seenimoa/sandbox/internal/marketdata"
	"github.com/seenimoa/sandbox/internal/positions"
	"github.com/seenimoa/sandbox/pkg/models"
)

// RefreshMTM marks every non-flat position and every holding to the
// latest quote and updates each user's unrealized P&L in funds. Quote
// fetches happen up front, outside any user lock.
func (e *Engine) RefreshMTM(ctx context.Context) {
	posRows, err := e.store.OpenPositions(ctx, e.store.DB())
	if err != nil {
		e.log.Errorw("mtm: reading positions failed", "error", err)
		return
	}
	holdRows, err := e.store.AllHoldings(ctx, e.store.DB())
	if err != nil {
		e.log.Errorw("mtm: reading holdings failed", "error", err)
		return
	}
	if len(posRows) == 0 && len(holdRows) == 0 {
		return
	}

	keySet := make(map[marketdata.SymbolKey]bool)
	var keys []marketdata.SymbolKey
	add := func(symbol, exchange string) {
		k := marketdata.SymbolKey{Symbol: symbol, Exchange: exchange}
		if !keySet[k] {
			keySet[k] = true
			keys = append(keys, k)
		}
	}
	for _, p := range posRows {
		add(p.Symbol, p.Exchange)
	}
	for _, h := range holdRows {
		add(h.Symbol, h.Exchange)
	}
	quotes := e.fetcher.Batch(ctx, keys)

	byUserPos := make(map[string][]*models.Position)
	for _, p := range posRows {
		byUserPos[p.UserID] = append(byUserPos[p.UserID], p)
	}
	byUserHold := make(map[string][]*models.Holding)
	for _, h := range holdRows {
		byUserHold[h.UserID] = append(byUserHold[h.UserID], h)
	}
	users := make(map[string]bool)
	for u := range byUserPos {
		users[u] = true
	}
	for u := range byUserHold {
		users[u] = true
	}

	now := time.Now()
	for userID := range users {
		if err := e.refreshUserMTM(ctx, userID, byUserPos[userID], byUserHold[userID], quotes, now); err != nil {
			e.log.Errorw("mtm: user refresh failed", "user", userID, "error", err)
		}
	}
}

func (e *Engine) refreshUserMTM(ctx context.Context, userID string, posRows []*models.Position, holdRows []*models.Holding, quotes map[marketdata.SymbolKey]models.Quote, now time.Time) error {
	return e.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		unrealized := decimal.Zero
		for _, p := range posRows {
			q, ok := quotes[marketdata.SymbolKey{Symbol: p.Symbol, Exchange: p.Exchange}]
			if ok && q.LTP.IsPositive() {
				if err := e.positions.MarkToMarket(ctx, tx, p, q.LTP, now); err != nil {
					return err
				}
			}
			unrealized = unrealized.Add(positions.Unrealized(p))
		}

		for _, h := range holdRows {
			q, ok := quotes[marketdata.SymbolKey{Symbol: h.Symbol, Exchange: h.Exchange}]
			if !ok || !q.LTP.IsPositive() {
				continue
			}
			h.LTP = q.LTP
			h.PnL = q.LTP.Sub(h.AveragePrice).Mul(decimal.NewFromInt(h.Quantity)).RoundBank(2)
			h.PnLPercent = decimal.Zero
			if h.AveragePrice.IsPositive() && h.Quantity != 0 {
				h.PnLPercent = h.PnL.Div(h.InvestmentValue()).Mul(decimal.NewFromInt(100)).RoundBank(4)
			}
			h.UpdatedAt = now
			if err := e.store.UpsertHolding(ctx, tx, h); err != nil {
				return err
			}
		}

		return e.ledger.SetUnrealized(ctx, tx, userID, unrealized.RoundBank(2))
	})
}
