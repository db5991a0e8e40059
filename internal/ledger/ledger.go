// Package ledger implements the per-user cash record: margin blocking
// and release, holdings transfers, unrealized P&L and resets. The
// ledger knows nothing about orders or positions; callers keep the
// cross-table invariants consistent and hold the user's write lock
// around every mutation.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
)

// Ledger owns the funds table.
type Ledger struct {
	store *store.Store
	cfg   *config.Store
	log   *zap.SugaredLogger

	// driftCount tracks clamped negative-balance recoveries for
	// observability.
	driftCount atomic.Int64
}

// New creates the ledger.
func New(st *store.Store, cfg *config.Store, log *zap.SugaredLogger) *Ledger {
	return &Ledger{store: st, cfg: cfg, log: log}
}

// DriftCount returns the number of invariant-violation recoveries.
func (l *Ledger) DriftCount() int64 { return l.driftCount.Load() }

// Get returns the user's funds row, provisioning one at the configured
// starting capital on first touch.
func (l *Ledger) Get(ctx context.Context, q store.Querier, userID string) (*models.Funds, error) {
	f, err := l.store.GetFunds(ctx, q, userID)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, store.ErrFundsNotFound) {
		return nil, err
	}

	capital := l.cfg.Decimal(config.KeyStartingCapital)
	f = &models.Funds{
		UserID:           userID,
		TotalCapital:     capital,
		AvailableBalance: capital,
		UsedMargin:       decimal.Zero,
		RealizedPnL:      decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
		TotalPnL:         decimal.Zero,
		LastResetDate:    time.Now(),
	}
	if err := l.store.InsertFunds(ctx, q, f); err != nil {
		return nil, err
	}
	l.log.Infow("provisioned funds", "user", userID, "capital", capital)
	return f, nil
}

// BlockMargin moves amount from available balance to used margin.
// Fails with ErrInsufficientFunds without mutating anything.
func (l *Ledger) BlockMargin(ctx context.Context, q store.Querier, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("block margin: negative amount %s", amount)
	}
	f, err := l.Get(ctx, q, userID)
	if err != nil {
		return err
	}
	if f.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("%w: need %s, available %s",
			models.ErrInsufficientFunds, amount, f.AvailableBalance)
	}
	f.AvailableBalance = money(f.AvailableBalance.Sub(amount))
	f.UsedMargin = money(f.UsedMargin.Add(amount))
	return l.store.UpdateFunds(ctx, q, f)
}

// ReleaseMargin returns amount from used margin to available balance
// and books realizedDelta into realized P&L. A release larger than the
// current used margin is clamped: used_margin never goes negative.
func (l *Ledger) ReleaseMargin(ctx context.Context, q store.Querier, userID string, amount, realizedDelta decimal.Decimal) error {
	f, err := l.Get(ctx, q, userID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(f.UsedMargin) {
		l.driftCount.Add(1)
		l.log.Warnw("release exceeds used margin, clamping",
			"user", userID, "amount", amount, "used_margin", f.UsedMargin)
		amount = f.UsedMargin
	}
	f.UsedMargin = money(f.UsedMargin.Sub(amount))
	f.AvailableBalance = money(f.AvailableBalance.Add(amount).Add(realizedDelta))
	f.RealizedPnL = money(f.RealizedPnL.Add(realizedDelta))
	f.TotalPnL = money(f.RealizedPnL.Add(f.UnrealizedPnL))
	if f.AvailableBalance.IsNegative() {
		l.driftCount.Add(1)
		l.log.Warnw("available balance went negative, clamping to zero",
			"user", userID, "balance", f.AvailableBalance)
		f.AvailableBalance = decimal.Zero
	}
	return l.store.UpdateFunds(ctx, q, f)
}

// TransferMarginToHoldings reduces used margin without crediting the
// available balance. Used at T+1 settlement of a CNC BUY: the cash has
// become holdings investment.
func (l *Ledger) TransferMarginToHoldings(ctx context.Context, q store.Querier, userID string, amount decimal.Decimal) error {
	f, err := l.Get(ctx, q, userID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(f.UsedMargin) {
		l.driftCount.Add(1)
		l.log.Warnw("holdings transfer exceeds used margin, clamping",
			"user", userID, "amount", amount, "used_margin", f.UsedMargin)
		amount = f.UsedMargin
	}
	f.UsedMargin = money(f.UsedMargin.Sub(amount))
	return l.store.UpdateFunds(ctx, q, f)
}

// CreditSaleProceeds adds the sale value of settled holdings to the
// available balance. Used at T+1 settlement of a CNC SELL.
func (l *Ledger) CreditSaleProceeds(ctx context.Context, q store.Querier, userID string, amount decimal.Decimal) error {
	f, err := l.Get(ctx, q, userID)
	if err != nil {
		return err
	}
	f.AvailableBalance = money(f.AvailableBalance.Add(amount))
	return l.store.UpdateFunds(ctx, q, f)
}

// SetUnrealized replaces unrealized P&L and recomputes total P&L.
func (l *Ledger) SetUnrealized(ctx context.Context, q store.Querier, userID string, amount decimal.Decimal) error {
	f, err := l.Get(ctx, q, userID)
	if err != nil {
		return err
	}
	f.UnrealizedPnL = money(amount)
	f.TotalPnL = money(f.RealizedPnL.Add(f.UnrealizedPnL))
	return l.store.UpdateFunds(ctx, q, f)
}

// Reset restores the row to its starting state and bumps the reset
// bookkeeping.
func (l *Ledger) Reset(ctx context.Context, q store.Querier, userID string, now time.Time) error {
	f, err := l.Get(ctx, q, userID)
	if err != nil {
		return err
	}
	f.AvailableBalance = f.TotalCapital
	f.UsedMargin = decimal.Zero
	f.RealizedPnL = decimal.Zero
	f.UnrealizedPnL = decimal.Zero
	f.TotalPnL = decimal.Zero
	f.ResetCount++
	f.LastResetDate = now
	return l.store.UpdateFunds(ctx, q, f)
}

// RebaseCapital applies a starting_capital change to every existing
// funds row: total_capital becomes the new value and the available
// balance is recomputed as capital - used_margin + total_pnl, preserving
// used margin and both P&L components.
func (l *Ledger) RebaseCapital(ctx context.Context, capital decimal.Decimal) error {
	users, err := l.store.AllUserIDs(ctx, l.store.DB())
	if err != nil {
		return err
	}
	for _, userID := range users {
		err := l.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
			f, err := l.store.GetFunds(ctx, tx, userID)
			if err != nil {
				return err
			}
			f.TotalCapital = capital
			f.AvailableBalance = money(capital.Sub(f.UsedMargin).Add(f.TotalPnL))
			if f.AvailableBalance.IsNegative() {
				l.driftCount.Add(1)
				l.log.Warnw("rebase drove balance negative, clamping",
					"user", userID, "balance", f.AvailableBalance)
				f.AvailableBalance = decimal.Zero
			}
			return l.store.UpdateFunds(ctx, tx, f)
		})
		if err != nil {
			l.log.Errorw("capital rebase failed", "user", userID, "error", err)
		}
	}
	return nil
}

// money rounds to 2 fractional digits with banker's rounding. All cash
// math in the ledger path stays on fixed-point decimals.
func money(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}
