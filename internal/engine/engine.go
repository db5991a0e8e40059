// Package engine runs the pending-order matching loop: every tick it
// pulls quotes for all symbols with open orders, applies the
// trigger/limit predicates and executes matched orders atomically. It
// also owns the mark-to-market refresh.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/marketdata"
	"github.com/seenimoa/sandbox/internal/positions"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
	"github.com/seenimoa/sandbox/pkg/utils"
)

// Notifier receives order lifecycle events (e.g. for the websocket
// stream). Implementations must not block.
type Notifier interface {
	OrderUpdated(o models.Order)
}

// Engine matches open orders against live quotes.
type Engine struct {
	store     *store.Store
	ledger    *ledger.Ledger
	positions *positions.Manager
	fetcher   *marketdata.Fetcher
	log       *zap.SugaredLogger

	// fillLimiter caps fills per second; excess triggers are deferred
	// to the next tick.
	fillLimiter *rate.Limiter
	notifier    Notifier
}

// New creates the engine. fillsPerSecond <= 0 disables the cap.
func New(st *store.Store, lg *ledger.Ledger, pm *positions.Manager, f *marketdata.Fetcher, fillsPerSecond int, log *zap.SugaredLogger) *Engine {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if fillsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(fillsPerSecond), fillsPerSecond)
	}
	return &Engine{
		store:       st,
		ledger:      lg,
		positions:   pm,
		fetcher:     f,
		fillLimiter: limiter,
		log:         log,
	}
}

// SetNotifier wires the order-event sink. Must be called before Start.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

func (e *Engine) notify(o *models.Order) {
	if e.notifier != nil {
		e.notifier.OrderUpdated(*o)
	}
}

// Tick runs one matching pass over all open orders. Quote fetches
// happen before any user lock is taken.
func (e *Engine) Tick(ctx context.Context) {
	orders, err := e.store.OpenOrders(ctx, e.store.DB())
	if err != nil {
		e.log.Errorw("tick: reading open orders failed", "error", err)
		return
	}
	if len(orders) == 0 {
		return
	}

	keys := symbolKeys(orders)
	quotes := e.fetcher.Batch(ctx, keys)

	// Deterministic per-tick fill order: oldest order first (the store
	// query already sorts, but the contract lives here).
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].OrderTimestamp.Before(orders[j].OrderTimestamp)
	})

	for _, o := range orders {
		quote, ok := quotes[marketdata.SymbolKey{Symbol: o.Symbol, Exchange: o.Exchange}]
		if !ok {
			continue // quote failed this tick, retried next tick
		}
		if !Matches(o, quote) {
			continue
		}
		if !e.fillLimiter.Allow() {
			e.log.Debugw("fill rate cap reached, deferring remaining triggers")
			return
		}
		if _, err := e.ExecuteOrder(ctx, o.UserID, o.OrderID, quote); err != nil {
			if errors.Is(err, models.ErrAlreadyTerminal) {
				continue // lost the race against a cancel
			}
			e.log.Errorw("order execution failed",
				"user", o.UserID, "orderid", o.OrderID, "symbol", o.Symbol, "error", err)
		}
	}
}

// ExecuteOrder fills one open order at the price implied by the quote,
// inside a single transaction under the user's lock: trade row, position
// netting with margin release, order completion. Returns the fill
// result, or ErrAlreadyTerminal if the order is no longer open.
func (e *Engine) ExecuteOrder(ctx context.Context, userID, orderID string, quote models.Quote) (*positions.FillResult, error) {
	var result *positions.FillResult
	var completed models.Order

	err := e.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		order, err := e.store.GetOrder(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderOpen {
			return fmt.Errorf("%w: %s is %s", models.ErrAlreadyTerminal, orderID, order.Status)
		}

		execPrice := ExecutionPrice(order, quote)
		if !execPrice.IsPositive() {
			return fmt.Errorf("non-positive execution price for %s", order.Symbol)
		}
		now := time.Now()

		trade := &models.Trade{
			TradeID:        utils.NewTradeID(),
			OrderID:        order.OrderID,
			UserID:         order.UserID,
			Symbol:         order.Symbol,
			Exchange:       order.Exchange,
			Action:         order.Action,
			Quantity:       order.Quantity,
			Price:          execPrice,
			Product:        order.Product,
			TradeTimestamp: now,
		}
		if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
			return err
		}

		result, err = e.positions.ApplyFill(ctx, tx, order, execPrice, now)
		if err != nil {
			return err
		}

		order.Status = models.OrderComplete
		order.FilledQuantity = order.Quantity
		order.PendingQuantity = 0
		order.AveragePrice = execPrice
		order.UpdateTimestamp = now
		if err := e.store.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}

		e.log.Infow("order executed",
			"user", order.UserID, "orderid", order.OrderID, "symbol", order.Symbol,
			"action", order.Action, "qty", order.Quantity, "price", execPrice)
		completed = *order
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notify(&completed)
	return result, nil
}

// Matches evaluates the execution predicate for an open order against
// a quote. MARKET orders (normally filled inline at placement) match
// unconditionally so a missed inline execution is repaired by the loop.
func Matches(o *models.Order, q models.Quote) bool {
	ltp := q.LTP
	if !ltp.IsPositive() {
		return false
	}
	switch o.PriceType {
	case models.Market:
		return true
	case models.Limit:
		if o.Action == models.Buy {
			return ltp.LessThanOrEqual(o.Price)
		}
		return ltp.GreaterThanOrEqual(o.Price)
	case models.SL:
		if o.Action == models.Buy {
			return ltp.GreaterThanOrEqual(o.TriggerPrice) && ltp.LessThanOrEqual(o.Price)
		}
		return ltp.LessThanOrEqual(o.TriggerPrice) && ltp.GreaterThanOrEqual(o.Price)
	case models.SLM:
		if o.Action == models.Buy {
			return ltp.GreaterThanOrEqual(o.TriggerPrice)
		}
		return ltp.LessThanOrEqual(o.TriggerPrice)
	}
	return false
}

// ExecutionPrice returns the fill price for a matched order: bid/ask
// (falling back to LTP) for MARKET, LTP for everything else.
func ExecutionPrice(o *models.Order, q models.Quote) decimal.Decimal {
	if o.PriceType == models.Market {
		if o.Action == models.Buy {
			return q.BuyPrice()
		}
		return q.SellPrice()
	}
	return q.LTP
}

func symbolKeys(orders []*models.Order) []marketdata.SymbolKey {
	seen := make(map[marketdata.SymbolKey]bool)
	var keys []marketdata.SymbolKey
	for _, o := range orders {
		k := marketdata.SymbolKey{Symbol: o.Symbol, Exchange: o.Exchange}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
