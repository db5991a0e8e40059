package store

import (
	"context"
	"fmt"

	"github.com/seenimoa/sandbox/pkg/models"
)

const tradeColumns = `tradeid, orderid, user_id, symbol, exchange, action,
	quantity, price, product, trade_timestamp`

// InsertTrade persists a trade row. Trades are immutable after creation.
func (s *Store) InsertTrade(ctx context.Context, q Querier, t *models.Trade) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.OrderID, t.UserID, t.Symbol, t.Exchange, string(t.Action),
		t.Quantity, t.Price.String(), string(t.Product), timeToTS(t.TradeTimestamp))
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.TradeID, err)
	}
	return nil
}

// TradesByUser returns a user's trades, newest first.
func (s *Store) TradesByUser(ctx context.Context, q Querier, userID string) ([]*models.Trade, error) {
	return s.queryTrades(ctx, q, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? ORDER BY trade_timestamp DESC`, userID)
}

// TradesByOrder returns the trades recorded against an order.
func (s *Store) TradesByOrder(ctx context.Context, q Querier, orderID string) ([]*models.Trade, error) {
	return s.queryTrades(ctx, q, `
		SELECT `+tradeColumns+` FROM trades
		WHERE orderid = ? ORDER BY trade_timestamp ASC`, orderID)
}

// DeleteTradesByUser removes all of a user's trades (session reset).
func (s *Store) DeleteTradesByUser(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM trades WHERE user_id = ?`, userID)
	return err
}

func (s *Store) queryTrades(ctx context.Context, q Querier, query string, args ...any) ([]*models.Trade, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		var t models.Trade
		var action, product, price string
		var ts int64
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.UserID, &t.Symbol, &t.Exchange,
			&action, &t.Quantity, &price, &product, &ts); err != nil {
			return nil, err
		}
		t.Action = models.OrderAction(action)
		t.Product = models.Product(product)
		t.Price = dec(price)
		t.TradeTimestamp = tsToTime(ts)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}
