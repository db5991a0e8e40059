package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seenimoa/sandbox/pkg/models"
)

const positionColumns = `user_id, symbol, exchange, product, quantity,
	average_price, ltp, pnl, pnl_percent, accumulated_realized_pnl,
	margin_blocked, created_at, updated_at`

// UpsertPosition writes a position row keyed on (user, symbol,
// exchange, product).
func (s *Store) UpsertPosition(ctx context.Context, q Querier, p *models.Position) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, symbol, exchange, product) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			ltp = excluded.ltp,
			pnl = excluded.pnl,
			pnl_percent = excluded.pnl_percent,
			accumulated_realized_pnl = excluded.accumulated_realized_pnl,
			margin_blocked = excluded.margin_blocked,
			updated_at = excluded.updated_at`,
		p.UserID, p.Symbol, p.Exchange, string(p.Product), p.Quantity,
		p.AveragePrice.String(), p.LTP.String(), p.PnL.String(), p.PnLPercent.String(),
		p.AccumulatedRealizedPnL.String(), p.MarginBlocked.String(),
		timeToTS(p.CreatedAt), timeToTS(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

// GetPosition fetches one position row, or ErrPositionNotFound.
func (s *Store) GetPosition(ctx context.Context, q Querier, key models.PositionKey) (*models.Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
		key.UserID, key.Symbol, key.Exchange, string(key.Product))
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrPositionNotFound
	}
	return p, err
}

// PositionsByUser returns all position rows for a user, including flat
// rows kept for P&L accumulation.
func (s *Store) PositionsByUser(ctx context.Context, q Querier, userID string) ([]*models.Position, error) {
	return s.queryPositions(ctx, q, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? ORDER BY symbol, exchange, product`, userID)
}

// OpenPositions returns every nonzero position across users.
func (s *Store) OpenPositions(ctx context.Context, q Querier) ([]*models.Position, error) {
	return s.queryPositions(ctx, q, `
		SELECT `+positionColumns+` FROM positions
		WHERE quantity != 0 ORDER BY user_id, symbol`)
}

// OpenPositionsByProduct returns nonzero positions filtered by product.
func (s *Store) OpenPositionsByProduct(ctx context.Context, q Querier, product models.Product) ([]*models.Position, error) {
	return s.queryPositions(ctx, q, `
		SELECT `+positionColumns+` FROM positions
		WHERE quantity != 0 AND product = ? ORDER BY user_id, symbol`, string(product))
}

// PositionsByProductOlderThan returns positions of a product created
// before the cutoff instant, flat rows included. Used by T+1 settlement.
func (s *Store) PositionsByProductOlderThan(ctx context.Context, q Querier, product models.Product, cutoff time.Time) ([]*models.Position, error) {
	return s.queryPositions(ctx, q, `
		SELECT `+positionColumns+` FROM positions
		WHERE product = ? AND created_at < ? ORDER BY user_id, symbol`,
		string(product), timeToTS(cutoff))
}

// DeletePosition removes a position row.
func (s *Store) DeletePosition(ctx context.Context, q Querier, key models.PositionKey) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM positions
		WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
		key.UserID, key.Symbol, key.Exchange, string(key.Product))
	return err
}

// DeletePositionsByUser removes all of a user's positions (session reset).
func (s *Store) DeletePositionsByUser(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, userID)
	return err
}

func (s *Store) queryPositions(ctx context.Context, q Querier, query string, args ...any) ([]*models.Position, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanPosition(r rowScanner) (*models.Position, error) {
	var p models.Position
	var product, avgPrice, ltp, pnl, pnlPct, realized, margin string
	var createdAt, updatedAt int64
	err := r.Scan(&p.UserID, &p.Symbol, &p.Exchange, &product, &p.Quantity,
		&avgPrice, &ltp, &pnl, &pnlPct, &realized, &margin, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Product = models.Product(product)
	p.AveragePrice = dec(avgPrice)
	p.LTP = dec(ltp)
	p.PnL = dec(pnl)
	p.PnLPercent = dec(pnlPct)
	p.AccumulatedRealizedPnL = dec(realized)
	p.MarginBlocked = dec(margin)
	p.CreatedAt = tsToTime(createdAt)
	p.UpdatedAt = tsToTime(updatedAt)
	return &p, nil
}
