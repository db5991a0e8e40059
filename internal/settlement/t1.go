package settlement

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
	"github.com/seenimoa/sandbox/pkg/utils"
)

// T1Settler sweeps CNC positions older than the current day into
// holdings: a settled BUY becomes (or merges into) a holding and its
// margin converts to investment; a settled SELL reduces the holding and
// credits the sale proceeds. Runs nightly at midnight and once at
// startup to catch up after downtime.
type T1Settler struct {
	store  *store.Store
	ledger *ledger.Ledger
	loc    *time.Location
	log    *zap.SugaredLogger
}

// NewT1Settler creates the settlement sweeper.
func NewT1Settler(st *store.Store, lg *ledger.Ledger, loc *time.Location, log *zap.SugaredLogger) *T1Settler {
	return &T1Settler{store: st, ledger: lg, loc: loc, log: log}
}

// Run settles every CNC position created before the start of today.
// Re-running is idempotent: settled positions are deleted, so a second
// pass finds nothing.
func (t *T1Settler) Run(ctx context.Context) {
	now := time.Now().In(t.loc)
	cutoff := utils.StartOfDay(now, t.loc)

	rows, err := t.store.PositionsByProductOlderThan(ctx, t.store.DB(), models.CNC, cutoff)
	if err != nil {
		t.log.Errorw("t+1: reading aged positions failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	byUser := make(map[string][]*models.Position)
	for _, p := range rows {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	settled := 0
	for userID, userRows := range byUser {
		err := t.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
			for _, pos := range userRows {
				if err := t.settleOne(ctx, tx, pos, now); err != nil {
					return err
				}
				settled++
			}
			return nil
		})
		if err != nil {
			t.log.Errorw("t+1: user settlement failed", "user", userID, "error", err)
		}
	}
	t.log.Infow("t+1 settlement done", "positions", settled)
}

func (t *T1Settler) settleOne(ctx context.Context, tx *sql.Tx, pos *models.Position, now time.Time) error {
	switch {
	case pos.Quantity == 0:
		// Flat aged row: nothing to settle, drop it.

	case pos.Quantity > 0:
		if err := t.settleBuy(ctx, tx, pos, now); err != nil {
			return err
		}

	default:
		if err := t.settleSell(ctx, tx, pos, now); err != nil {
			return err
		}
	}
	return t.store.DeletePosition(ctx, tx, pos.Key())
}

// settleBuy merges the position into the holding at weighted-average
// cost and converts its blocked margin into holdings investment.
func (t *T1Settler) settleBuy(ctx context.Context, tx *sql.Tx, pos *models.Position, now time.Time) error {
	holding, ok, err := t.store.GetHolding(ctx, tx, pos.UserID, pos.Symbol, pos.Exchange)
	if err != nil {
		return err
	}
	qty := decimal.NewFromInt(pos.Quantity)
	if ok {
		oldQty := decimal.NewFromInt(holding.Quantity)
		newQty := oldQty.Add(qty)
		holding.AveragePrice = holding.AveragePrice.Mul(oldQty).
			Add(pos.AveragePrice.Mul(qty)).
			Div(newQty).RoundBank(2)
		holding.Quantity += pos.Quantity
	} else {
		holding = &models.Holding{
			UserID:       pos.UserID,
			Symbol:       pos.Symbol,
			Exchange:     pos.Exchange,
			Quantity:     pos.Quantity,
			AveragePrice: pos.AveragePrice,
			CreatedAt:    now,
		}
	}
	holding.LTP = pos.LTP
	holding.SettlementDate = utils.StartOfDay(now, t.loc)
	holding.UpdatedAt = now
	if err := t.store.UpsertHolding(ctx, tx, holding); err != nil {
		return err
	}
	if err := t.ledger.TransferMarginToHoldings(ctx, tx, pos.UserID, pos.MarginBlocked); err != nil {
		return err
	}
	t.log.Infow("t+1: buy settled",
		"user", pos.UserID, "symbol", pos.Symbol, "qty", pos.Quantity,
		"avg", pos.AveragePrice, "margin", pos.MarginBlocked)
	return nil
}

// settleSell reduces the holding by the sold quantity and credits the
// sale proceeds at the position's recorded sale price. A holding
// emptied by the reduction is deleted in the same transaction.
func (t *T1Settler) settleSell(ctx context.Context, tx *sql.Tx, pos *models.Position, now time.Time) error {
	sold := -pos.Quantity
	holding, ok, err := t.store.GetHolding(ctx, tx, pos.UserID, pos.Symbol, pos.Exchange)
	if err != nil {
		return err
	}
	if !ok {
		// Placement validation should have prevented this; settle the
		// cash anyway so funds stay consistent.
		t.log.Warnw("t+1: sell settlement without a holding",
			"user", pos.UserID, "symbol", pos.Symbol, "qty", sold)
	} else {
		holding.Quantity -= sold
		holding.UpdatedAt = now
		if holding.Quantity <= 0 {
			if err := t.store.DeleteHolding(ctx, tx, pos.UserID, pos.Symbol, pos.Exchange); err != nil {
				return err
			}
		} else if err := t.store.UpsertHolding(ctx, tx, holding); err != nil {
			return err
		}
	}

	proceeds := pos.AveragePrice.Mul(decimal.NewFromInt(sold)).RoundBank(2)
	if err := t.ledger.CreditSaleProceeds(ctx, tx, pos.UserID, proceeds); err != nil {
		return err
	}
	t.log.Infow("t+1: sell settled",
		"user", pos.UserID, "symbol", pos.Symbol, "qty", sold, "proceeds", proceeds)
	return nil
}
