// Package positions implements the net-position state machine: open,
// add, reduce, close and reverse transitions on each fill, with exact
// margin bookkeeping and accumulated realized P&L.
package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
)

// Manager owns the positions table. All mutations run inside the
// caller's transaction under the user's write lock.
type Manager struct {
	store  *store.Store
	ledger *ledger.Ledger
	log    *zap.SugaredLogger
}

// NewManager creates the position manager.
func NewManager(st *store.Store, lg *ledger.Ledger, log *zap.SugaredLogger) *Manager {
	return &Manager{store: st, ledger: lg, log: log}
}

// FillResult reports what a fill did to the position and the ledger.
type FillResult struct {
	Position       *models.Position
	RealizedDelta  decimal.Decimal
	MarginReleased decimal.Decimal
}

// ApplyFill nets a fill into the position for the order's key and books
// the margin release and realized P&L into the ledger. The order's own
// blocked margin was taken at placement; closing legs release it here,
// symmetrically, together with the proportional slice of the stored
// position margin.
func (m *Manager) ApplyFill(ctx context.Context, q store.Querier, order *models.Order, execPrice decimal.Decimal, now time.Time) (*FillResult, error) {
	key := models.PositionKey{
		UserID:   order.UserID,
		Symbol:   order.Symbol,
		Exchange: order.Exchange,
		Product:  order.Product,
	}
	qSigned := order.SignedQuantity()
	mOrder := order.MarginBlocked

	pos, err := m.store.GetPosition(ctx, q, key)
	if err != nil && !errors.Is(err, models.ErrPositionNotFound) {
		return nil, err
	}

	res := &FillResult{RealizedDelta: decimal.Zero, MarginReleased: decimal.Zero}

	switch {
	case pos == nil:
		// Open: first fill on this key.
		pos = &models.Position{
			UserID:                 key.UserID,
			Symbol:                 key.Symbol,
			Exchange:               key.Exchange,
			Product:                key.Product,
			Quantity:               qSigned,
			AveragePrice:           execPrice,
			MarginBlocked:          mOrder,
			AccumulatedRealizedPnL: decimal.Zero,
			CreatedAt:              now,
		}

	case pos.Quantity == 0:
		// Reopen a flat row: accumulated intraday P&L from prior
		// cycles on this symbol carries forward.
		pos.Quantity = qSigned
		pos.AveragePrice = execPrice
		pos.MarginBlocked = mOrder

	case sameSign(pos.Quantity, qSigned):
		// Add: weighted-average entry, margins accumulate.
		oldAbs := decimal.NewFromInt(abs(pos.Quantity))
		fillAbs := decimal.NewFromInt(abs(qSigned))
		newAbs := oldAbs.Add(fillAbs)
		pos.AveragePrice = pos.AveragePrice.Mul(oldAbs).
			Add(execPrice.Mul(fillAbs)).
			Div(newAbs).RoundBank(2)
		pos.Quantity += qSigned
		pos.MarginBlocked = money(pos.MarginBlocked.Add(mOrder))

	case pos.Quantity+qSigned == 0:
		// Exact close: release the entire stored margin plus the
		// closing order's own block.
		delta := realized(pos.Quantity, pos.AveragePrice, execPrice, abs(pos.Quantity))
		release := money(pos.MarginBlocked.Add(mOrder))
		if err := m.ledger.ReleaseMargin(ctx, q, order.UserID, release, delta); err != nil {
			return nil, err
		}
		pos.Quantity = 0
		pos.MarginBlocked = decimal.Zero
		pos.AccumulatedRealizedPnL = money(pos.AccumulatedRealizedPnL.Add(delta))
		res.RealizedDelta = delta
		res.MarginReleased = release

	case sameSign(pos.Quantity, pos.Quantity+qSigned):
		// Reduce: realize the closed proportion, release margin
		// pro rata, entry price unchanged.
		closeAbs := abs(qSigned)
		ratio := decimal.NewFromInt(closeAbs).Div(decimal.NewFromInt(abs(pos.Quantity)))
		delta := realized(pos.Quantity, pos.AveragePrice, execPrice, closeAbs)
		mRel := money(pos.MarginBlocked.Mul(ratio))
		release := money(mRel.Add(mOrder))
		if err := m.ledger.ReleaseMargin(ctx, q, order.UserID, release, delta); err != nil {
			return nil, err
		}
		pos.Quantity += qSigned
		pos.MarginBlocked = money(pos.MarginBlocked.Sub(mRel))
		pos.AccumulatedRealizedPnL = money(pos.AccumulatedRealizedPnL.Add(delta))
		res.RealizedDelta = delta
		res.MarginReleased = release

	default:
		// Reversal: close the whole old leg, open the remainder in the
		// opposite direction with a proportional slice of the fill's
		// blocked margin.
		qNew := pos.Quantity + qSigned
		delta := realized(pos.Quantity, pos.AveragePrice, execPrice, abs(pos.Quantity))
		openRatio := decimal.NewFromInt(abs(qNew)).Div(decimal.NewFromInt(abs(qSigned)))
		newMargin := money(mOrder.Mul(openRatio))
		release := money(pos.MarginBlocked.Add(mOrder).Sub(newMargin))
		if err := m.ledger.ReleaseMargin(ctx, q, order.UserID, release, delta); err != nil {
			return nil, err
		}
		pos.Quantity = qNew
		pos.AveragePrice = execPrice
		pos.MarginBlocked = newMargin
		pos.AccumulatedRealizedPnL = money(pos.AccumulatedRealizedPnL.Add(delta))
		res.RealizedDelta = delta
		res.MarginReleased = release
	}

	pos.LTP = execPrice
	refreshPnL(pos)
	pos.UpdatedAt = now
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}

	if err := m.store.UpsertPosition(ctx, q, pos); err != nil {
		return nil, err
	}
	res.Position = pos
	return res, nil
}

// MarkToMarket refreshes a position row against a new LTP. Does not
// touch the ledger; the caller aggregates unrealized P&L per user.
func (m *Manager) MarkToMarket(ctx context.Context, q store.Querier, pos *models.Position, ltp decimal.Decimal, now time.Time) error {
	pos.LTP = ltp
	refreshPnL(pos)
	pos.UpdatedAt = now
	return m.store.UpsertPosition(ctx, q, pos)
}

// Unrealized returns the open P&L of a position at its stored LTP.
func Unrealized(pos *models.Position) decimal.Decimal {
	if pos.Quantity == 0 {
		return decimal.Zero
	}
	diff := pos.LTP.Sub(pos.AveragePrice)
	if pos.Quantity < 0 {
		diff = diff.Neg()
	}
	return money(diff.Mul(decimal.NewFromInt(abs(pos.Quantity))))
}

// refreshPnL recomputes the display P&L fields from quantity, entry,
// LTP and accumulated realized P&L.
func refreshPnL(pos *models.Position) {
	u := Unrealized(pos)
	pos.PnL = money(pos.AccumulatedRealizedPnL.Add(u))
	pos.PnLPercent = decimal.Zero
	if pos.Quantity != 0 && pos.AveragePrice.IsPositive() {
		base := pos.AveragePrice.Mul(decimal.NewFromInt(abs(pos.Quantity)))
		pos.PnLPercent = u.Div(base).Mul(decimal.NewFromInt(100)).RoundBank(4)
	}
}

// realized computes sign(Qold) x (exec - entry) x closedQty.
func realized(qOld int64, entry, exec decimal.Decimal, closedAbs int64) decimal.Decimal {
	diff := exec.Sub(entry)
	if qOld < 0 {
		diff = diff.Neg()
	}
	return money(diff.Mul(decimal.NewFromInt(closedAbs)))
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// SellableQuantity returns how many units of a CNC symbol the user can
// sell: settled holdings plus any long open CNC position, minus nothing
// else. Used to validate CNC SELL drafts.
func (m *Manager) SellableQuantity(ctx context.Context, q store.Querier, userID, symbol, exchange string) (int64, error) {
	var total int64

	holding, ok, err := m.store.GetHolding(ctx, q, userID, symbol, exchange)
	if err != nil {
		return 0, err
	}
	if ok {
		total += holding.Quantity
	}

	pos, err := m.store.GetPosition(ctx, q, models.PositionKey{
		UserID: userID, Symbol: symbol, Exchange: exchange, Product: models.CNC,
	})
	if err != nil && !errors.Is(err, models.ErrPositionNotFound) {
		return 0, err
	}
	if pos != nil && pos.Quantity > 0 {
		total += pos.Quantity
	}
	return total, nil
}

// ClosePositionDraft builds the reverse MARKET order that flattens a
// position.
func ClosePositionDraft(pos *models.Position) (models.OrderRequest, error) {
	if pos.Quantity == 0 {
		return models.OrderRequest{}, fmt.Errorf("%w: already flat", models.ErrPositionNotFound)
	}
	action := models.Sell
	if pos.Quantity < 0 {
		action = models.Buy
	}
	return models.OrderRequest{
		Symbol:    pos.Symbol,
		Exchange:  pos.Exchange,
		Action:    action,
		Quantity:  abs(pos.Quantity),
		PriceType: models.Market,
		Product:   pos.Product,
	}, nil
}
