package settlement

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/store"
)

// Resetter restores every user to a clean slate: funds back to total
// capital, all orders, trades, positions and holdings wiped. Config is
// left intact. Runs on the weekly schedule and behind the CLI reset
// command.
type Resetter struct {
	store  *store.Store
	ledger *ledger.Ledger
	log    *zap.SugaredLogger
}

// NewResetter creates the reset sweeper.
func NewResetter(st *store.Store, lg *ledger.Ledger, log *zap.SugaredLogger) *Resetter {
	return &Resetter{store: st, ledger: lg, log: log}
}

// ResetAll resets every known user. Per-user failures are logged and
// the sweep continues.
func (r *Resetter) ResetAll(ctx context.Context) (int, error) {
	users, err := r.store.AllUserIDs(ctx, r.store.DB())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, userID := range users {
		if err := r.ResetUser(ctx, userID); err != nil {
			r.log.Errorw("reset failed", "user", userID, "error", err)
			continue
		}
		n++
	}
	r.log.Infow("reset sweep done", "users", n)
	return n, nil
}

// ResetUser wipes one user's trading state and restores funds, all in
// one transaction.
func (r *Resetter) ResetUser(ctx context.Context, userID string) error {
	now := time.Now()
	return r.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		if err := r.store.DeleteOrdersByUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := r.store.DeleteTradesByUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := r.store.DeletePositionsByUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := r.store.DeleteHoldingsByUser(ctx, tx, userID); err != nil {
			return err
		}
		return r.ledger.Reset(ctx, tx, userID, now)
	})
}
