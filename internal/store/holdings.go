package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/seenimoa/sandbox/pkg/models"
)

const holdingColumns = `user_id, symbol, exchange, quantity, average_price,
	ltp, pnl, pnl_percent, settlement_date, created_at, updated_at`

// UpsertHolding writes a holding row keyed on (user, symbol, exchange).
// Callers must delete rather than upsert rows reduced to zero quantity.
func (s *Store) UpsertHolding(ctx context.Context, q Querier, h *models.Holding) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO holdings (`+holdingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, symbol, exchange) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			ltp = excluded.ltp,
			pnl = excluded.pnl,
			pnl_percent = excluded.pnl_percent,
			settlement_date = excluded.settlement_date,
			updated_at = excluded.updated_at`,
		h.UserID, h.Symbol, h.Exchange, h.Quantity, h.AveragePrice.String(),
		h.LTP.String(), h.PnL.String(), h.PnLPercent.String(),
		timeToTS(h.SettlementDate), timeToTS(h.CreatedAt), timeToTS(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert holding %s/%s: %w", h.UserID, h.Symbol, err)
	}
	return nil
}

// GetHolding fetches one holding row, or sql.ErrNoRows wrapped as nil,false.
func (s *Store) GetHolding(ctx context.Context, q Querier, userID, symbol, exchange string) (*models.Holding, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+holdingColumns+` FROM holdings
		WHERE user_id = ? AND symbol = ? AND exchange = ?`,
		userID, symbol, exchange)
	h, err := scanHolding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// HoldingsByUser returns all holdings for a user.
func (s *Store) HoldingsByUser(ctx context.Context, q Querier, userID string) ([]*models.Holding, error) {
	return s.queryHoldings(ctx, q, `
		SELECT `+holdingColumns+` FROM holdings
		WHERE user_id = ? ORDER BY symbol, exchange`, userID)
}

// AllHoldings returns every holding row across users.
func (s *Store) AllHoldings(ctx context.Context, q Querier) ([]*models.Holding, error) {
	return s.queryHoldings(ctx, q, `
		SELECT `+holdingColumns+` FROM holdings ORDER BY user_id, symbol`)
}

// DeleteHolding removes a holding row.
func (s *Store) DeleteHolding(ctx context.Context, q Querier, userID, symbol, exchange string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM holdings WHERE user_id = ? AND symbol = ? AND exchange = ?`,
		userID, symbol, exchange)
	return err
}

// DeleteHoldingsByUser removes all of a user's holdings (session reset).
func (s *Store) DeleteHoldingsByUser(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM holdings WHERE user_id = ?`, userID)
	return err
}

// HoldingsInvestment returns the sum of quantity x average price over a
// user's holdings, the holdings term of the conservation identity.
func (s *Store) HoldingsInvestment(ctx context.Context, q Querier, userID string) (decimal.Decimal, error) {
	holdings, err := s.HoldingsByUser(ctx, q, userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, h := range holdings {
		total = total.Add(h.InvestmentValue())
	}
	return total, nil
}

func (s *Store) queryHoldings(ctx context.Context, q Querier, query string, args ...any) ([]*models.Holding, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []*models.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func scanHolding(r rowScanner) (*models.Holding, error) {
	var h models.Holding
	var avgPrice, ltp, pnl, pnlPct string
	var settlement, createdAt, updatedAt int64
	err := r.Scan(&h.UserID, &h.Symbol, &h.Exchange, &h.Quantity, &avgPrice,
		&ltp, &pnl, &pnlPct, &settlement, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	h.AveragePrice = dec(avgPrice)
	h.LTP = dec(ltp)
	h.PnL = dec(pnl)
	h.PnLPercent = dec(pnlPct)
	h.SettlementDate = tsToTime(settlement)
	h.CreatedAt = tsToTime(createdAt)
	h.UpdatedAt = tsToTime(updatedAt)
	return &h, nil
}
