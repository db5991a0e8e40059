package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seenimoa/sandbox/pkg/models"
)

const fundsColumns = `user_id, total_capital, available_balance, used_margin,
	realized_pnl, unrealized_pnl, total_pnl, last_reset_date, reset_count`

// ErrFundsNotFound is returned when no funds row exists for a user.
var ErrFundsNotFound = errors.New("funds record not found")

// InsertFunds creates the funds row for a new user.
func (s *Store) InsertFunds(ctx context.Context, q Querier, f *models.Funds) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO funds (`+fundsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.TotalCapital.String(), f.AvailableBalance.String(), f.UsedMargin.String(),
		f.RealizedPnL.String(), f.UnrealizedPnL.String(), f.TotalPnL.String(),
		timeToTS(f.LastResetDate), f.ResetCount)
	if err != nil {
		return fmt.Errorf("insert funds %s: %w", f.UserID, err)
	}
	return nil
}

// UpdateFunds rewrites a funds row.
func (s *Store) UpdateFunds(ctx context.Context, q Querier, f *models.Funds) error {
	res, err := q.ExecContext(ctx, `
		UPDATE funds SET
			total_capital = ?, available_balance = ?, used_margin = ?,
			realized_pnl = ?, unrealized_pnl = ?, total_pnl = ?,
			last_reset_date = ?, reset_count = ?
		WHERE user_id = ?`,
		f.TotalCapital.String(), f.AvailableBalance.String(), f.UsedMargin.String(),
		f.RealizedPnL.String(), f.UnrealizedPnL.String(), f.TotalPnL.String(),
		timeToTS(f.LastResetDate), f.ResetCount, f.UserID)
	if err != nil {
		return fmt.Errorf("update funds %s: %w", f.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFundsNotFound
	}
	return nil
}

// GetFunds fetches a user's funds row.
func (s *Store) GetFunds(ctx context.Context, q Querier, userID string) (*models.Funds, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+fundsColumns+` FROM funds WHERE user_id = ?`, userID)
	f, err := scanFunds(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFundsNotFound
	}
	return f, err
}

// AllFunds returns every funds row.
func (s *Store) AllFunds(ctx context.Context, q Querier) ([]*models.Funds, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fundsColumns+` FROM funds ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []*models.Funds
	for rows.Next() {
		f, err := scanFunds(rows)
		if err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

func scanFunds(r rowScanner) (*models.Funds, error) {
	var f models.Funds
	var capital, available, used, realized, unrealized, total string
	var lastReset int64
	err := r.Scan(&f.UserID, &capital, &available, &used, &realized, &unrealized,
		&total, &lastReset, &f.ResetCount)
	if err != nil {
		return nil, err
	}
	f.TotalCapital = dec(capital)
	f.AvailableBalance = dec(available)
	f.UsedMargin = dec(used)
	f.RealizedPnL = dec(realized)
	f.UnrealizedPnL = dec(unrealized)
	f.TotalPnL = dec(total)
	f.LastResetDate = tsToTime(lastReset)
	return &f, nil
}
