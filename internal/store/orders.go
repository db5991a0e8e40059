package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seenimoa/sandbox/pkg/models"
)

const orderColumns = `orderid, user_id, symbol, exchange, action, quantity,
	price, trigger_price, price_type, product, order_status,
	filled_quantity, pending_quantity, average_price, rejection_reason,
	margin_blocked, strategy, order_timestamp, update_timestamp`

// InsertOrder persists a new order row.
func (s *Store) InsertOrder(ctx context.Context, q Querier, o *models.Order) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.UserID, o.Symbol, o.Exchange, string(o.Action), o.Quantity,
		o.Price.String(), o.TriggerPrice.String(), string(o.PriceType), string(o.Product), string(o.Status),
		o.FilledQuantity, o.PendingQuantity, o.AveragePrice.String(), o.RejectionReason,
		o.MarginBlocked.String(), o.Strategy, timeToTS(o.OrderTimestamp), timeToTS(o.UpdateTimestamp))
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.OrderID, err)
	}
	return nil
}

// UpdateOrder rewrites the mutable fields of an order row.
func (s *Store) UpdateOrder(ctx context.Context, q Querier, o *models.Order) error {
	res, err := q.ExecContext(ctx, `
		UPDATE orders SET
			quantity = ?, price = ?, trigger_price = ?, price_type = ?,
			order_status = ?, filled_quantity = ?, pending_quantity = ?,
			average_price = ?, rejection_reason = ?, margin_blocked = ?,
			update_timestamp = ?
		WHERE orderid = ?`,
		o.Quantity, o.Price.String(), o.TriggerPrice.String(), string(o.PriceType),
		string(o.Status), o.FilledQuantity, o.PendingQuantity,
		o.AveragePrice.String(), o.RejectionReason, o.MarginBlocked.String(),
		timeToTS(o.UpdateTimestamp), o.OrderID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.OrderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

// GetOrder fetches one order scoped to a user.
func (s *Store) GetOrder(ctx context.Context, q Querier, userID, orderID string) (*models.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE orderid = ? AND user_id = ?`,
		orderID, userID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	return o, err
}

// OpenOrdersByUser returns a user's open orders, oldest first.
func (s *Store) OpenOrdersByUser(ctx context.Context, q Querier, userID string) ([]*models.Order, error) {
	return s.queryOrders(ctx, q, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND order_status = ?
		ORDER BY order_timestamp ASC`, userID, string(models.OrderOpen))
}

// OpenOrders returns all open orders across users, oldest first. The
// deterministic ordering fixes the per-tick fill sequence.
func (s *Store) OpenOrders(ctx context.Context, q Querier) ([]*models.Order, error) {
	return s.queryOrders(ctx, q, `
		SELECT `+orderColumns+` FROM orders
		WHERE order_status = ?
		ORDER BY order_timestamp ASC`, string(models.OrderOpen))
}

// OrdersByUser returns every order for a user, newest first.
func (s *Store) OrdersByUser(ctx context.Context, q Querier, userID string) ([]*models.Order, error) {
	return s.queryOrders(ctx, q, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ?
		ORDER BY order_timestamp DESC`, userID)
}

// DeleteOrdersByUser removes all of a user's orders (session reset).
func (s *Store) DeleteOrdersByUser(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM orders WHERE user_id = ?`, userID)
	return err
}

// AllUserIDs returns the distinct user IDs present in the funds table.
func (s *Store) AllUserIDs(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM funds ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) queryOrders(ctx context.Context, q Querier, query string, args ...any) ([]*models.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*models.Order, error) {
	var o models.Order
	var action, priceType, product, status string
	var price, trigger, avgPrice, margin string
	var orderTS, updateTS int64
	err := r.Scan(&o.OrderID, &o.UserID, &o.Symbol, &o.Exchange, &action, &o.Quantity,
		&price, &trigger, &priceType, &product, &status,
		&o.FilledQuantity, &o.PendingQuantity, &avgPrice, &o.RejectionReason,
		&margin, &o.Strategy, &orderTS, &updateTS)
	if err != nil {
		return nil, err
	}
	o.Action = models.OrderAction(action)
	o.PriceType = models.PriceType(priceType)
	o.Product = models.Product(product)
	o.Status = models.OrderStatus(status)
	o.Price = dec(price)
	o.TriggerPrice = dec(trigger)
	o.AveragePrice = dec(avgPrice)
	o.MarginBlocked = dec(margin)
	o.OrderTimestamp = tsToTime(orderTS)
	o.UpdateTimestamp = tsToTime(updateTS)
	return &o, nil
}
