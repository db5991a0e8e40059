// Package orders implements the order lifecycle: placement with margin
// blocking, modification, cancellation and position close. MARKET
// orders execute inline at placement; everything else waits for the
// matching loop.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/engine"
	"github.com/seenimoa/sandbox/internal/instrument"
	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/marketdata"
	"github.com/seenimoa/sandbox/internal/positions"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
	"github.com/seenimoa/sandbox/pkg/utils"
)

// ReasonSquareOff marks orders cancelled by the MIS square-off sweep.
const ReasonSquareOff = "auto-cancelled at square-off"

// Manager validates, places, modifies and cancels orders.
type Manager struct {
	store     *store.Store
	ledger    *ledger.Ledger
	positions *positions.Manager
	margin    *instrument.Calculator
	fetcher   *marketdata.Fetcher
	cfg       *config.Store
	meta      models.SymbolMetaProvider
	engine    *engine.Engine
	loc       *time.Location
	log       *zap.SugaredLogger
	notifier  engine.Notifier

	now func() time.Time
}

// NewManager wires the order manager.
func NewManager(st *store.Store, lg *ledger.Ledger, pm *positions.Manager, mc *instrument.Calculator, f *marketdata.Fetcher, cfg *config.Store, meta models.SymbolMetaProvider, eng *engine.Engine, loc *time.Location, log *zap.SugaredLogger) *Manager {
	return &Manager{
		store:     st,
		ledger:    lg,
		positions: pm,
		margin:    mc,
		fetcher:   f,
		cfg:       cfg,
		meta:      meta,
		engine:    eng,
		loc:       loc,
		log:       log,
		now:       time.Now,
	}
}

// SetNotifier wires the order-event sink.
func (m *Manager) SetNotifier(n engine.Notifier) { m.notifier = n }

func (m *Manager) notify(o *models.Order) {
	if m.notifier != nil {
		m.notifier.OrderUpdated(*o)
	}
}

// PlaceOrder validates a draft, blocks margin and persists the order.
// Malformed drafts fail without a record; business rejections (funds,
// holdings, cutoff) persist a rejected order carrying the reason.
// MARKET orders are executed inline before returning.
func (m *Manager) PlaceOrder(ctx context.Context, userID string, req models.OrderRequest) (*models.Order, error) {
	if err := m.validate(ctx, userID, req); err != nil {
		return nil, err
	}
	now := m.now()

	// Quote fetch stays outside the user lock. Every placement needs a
	// live quote: MARKET for the fill and margin reference, pending types
	// as proof the instrument actually trades.
	quote, quoteErr := m.fetcher.Quote(ctx, req.Symbol, req.Exchange)
	if quoteErr != nil {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrQuoteUnavailable, req.Symbol, req.Exchange)
	}

	required := decimal.Zero
	if instrument.MustBlockMargin(req.Action, req.Product, req.Symbol, req.Exchange) {
		var err error
		required, err = m.margin.Required(ctx, req, quote.LTP)
		if err != nil {
			return nil, err
		}
	}

	order := &models.Order{
		OrderID:         utils.NewOrderID(),
		UserID:          userID,
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		Action:          req.Action,
		Quantity:        req.Quantity,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		PriceType:       req.PriceType,
		Product:         req.Product,
		Status:          models.OrderOpen,
		PendingQuantity: req.Quantity,
		MarginBlocked:   required,
		Strategy:        req.Strategy,
		OrderTimestamp:  now,
		UpdateTimestamp: now,
	}

	err := m.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		if req.Product == models.MIS {
			if err := m.checkMISCutoff(ctx, tx, userID, req, now); err != nil {
				return m.reject(ctx, tx, order, err)
			}
		}
		if req.Product == models.CNC && req.Action == models.Sell &&
			!instrument.IsDerivative(req.Symbol, req.Exchange) {
			sellable, err := m.positions.SellableQuantity(ctx, tx, userID, req.Symbol, req.Exchange)
			if err != nil {
				return err
			}
			if req.Quantity > sellable {
				return m.reject(ctx, tx, order, fmt.Errorf("%w: have %d, selling %d",
					models.ErrInsufficientHoldings, sellable, req.Quantity))
			}
		}
		if required.IsPositive() {
			// Orders that only reduce an existing position consume no
			// fresh margin; the position's own slice comes back at fill.
			// Otherwise a fully deployed account could never exit.
			pos, err := m.store.GetPosition(ctx, tx, models.PositionKey{
				UserID: userID, Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product,
			})
			if err != nil && !errors.Is(err, models.ErrPositionNotFound) {
				return err
			}
			if pos != nil && reducing(pos.Quantity, req) {
				required = decimal.Zero
				order.MarginBlocked = decimal.Zero
			}
		}
		if required.IsPositive() {
			if err := m.ledger.BlockMargin(ctx, tx, userID, required); err != nil {
				if errors.Is(err, models.ErrInsufficientFunds) {
					return m.reject(ctx, tx, order, err)
				}
				return err
			}
		}
		return m.store.InsertOrder(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderRejected {
		m.notify(order)
		return order, nil
	}

	m.log.Infow("order placed",
		"user", userID, "orderid", order.OrderID, "symbol", order.Symbol,
		"action", order.Action, "type", order.PriceType, "qty", order.Quantity,
		"margin", order.MarginBlocked)
	m.notify(order)

	if order.PriceType == models.Market {
		if _, err := m.engine.ExecuteOrder(ctx, userID, order.OrderID, quote); err != nil {
			// Leave the order open; the matching loop retries it.
			m.log.Warnw("inline execution failed, order stays open",
				"user", userID, "orderid", order.OrderID, "error", err)
		} else if fresh, err := m.store.GetOrder(ctx, m.store.DB(), userID, order.OrderID); err == nil {
			order = fresh
		}
	}
	return order, nil
}

// reject flips the draft to rejected, persists it and swallows the
// business error so the transaction commits the record.
func (m *Manager) reject(ctx context.Context, tx *sql.Tx, order *models.Order, cause error) error {
	order.Status = models.OrderRejected
	order.RejectionReason = cause.Error()
	order.PendingQuantity = 0
	order.MarginBlocked = decimal.Zero
	m.log.Infow("order rejected",
		"user", order.UserID, "symbol", order.Symbol, "reason", order.RejectionReason)
	return m.store.InsertOrder(ctx, tx, order)
}

// checkMISCutoff blocks fresh MIS exposure outside the intraday window
// (after the exchange group's square-off time, or before the session
// opens). Orders that only reduce an existing MIS position stay allowed
// so users can still flatten.
func (m *Manager) checkMISCutoff(ctx context.Context, tx *sql.Tx, userID string, req models.OrderRequest, now time.Time) error {
	group, ok := instrument.GroupForExchange(req.Exchange)
	if !ok {
		return nil
	}
	hh, mm, err := utils.ParseHHMM(m.cfg.Get(group.CutoffConfigKey()))
	if err != nil {
		m.log.Errorw("bad square-off time in config", "group", group, "error", err)
		return nil
	}
	local := now.In(m.loc)
	cutoff := utils.AtTime(local, hh, mm, m.loc)
	if local.Before(cutoff) && !local.Before(utils.SessionOpen(local, m.loc)) {
		return nil
	}

	pos, err := m.store.GetPosition(ctx, tx, models.PositionKey{
		UserID: userID, Symbol: req.Symbol, Exchange: req.Exchange, Product: models.MIS,
	})
	if err != nil && !errors.Is(err, models.ErrPositionNotFound) {
		return err
	}
	if pos != nil && reducing(pos.Quantity, req) {
		return nil
	}
	return fmt.Errorf("%w: %s outside 09:00-%02d:%02d", models.ErrMISCutoffBlocked, group, hh, mm)
}

// reducing reports whether the draft shrinks the position without
// crossing through flat.
func reducing(posQty int64, req models.OrderRequest) bool {
	if posQty == 0 {
		return false
	}
	signed := req.Quantity
	if req.Action == models.Sell {
		signed = -signed
	}
	if (posQty > 0) == (signed > 0) {
		return false
	}
	return req.Quantity <= abs(posQty)
}

// ModifyOrder adjusts an open order's modifiable fields and settles the
// margin difference against the ledger.
func (m *Manager) ModifyOrder(ctx context.Context, userID, orderID string, changes models.OrderChanges) (*models.Order, error) {
	// Read once without the lock to learn the symbol for the quote.
	peek, err := m.store.GetOrder(ctx, m.store.DB(), userID, orderID)
	if err != nil {
		return nil, err
	}
	quote, _ := m.fetcher.Quote(ctx, peek.Symbol, peek.Exchange)

	var updated *models.Order
	err = m.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		order, err := m.store.GetOrder(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderOpen {
			return fmt.Errorf("%w: %s is %s", models.ErrAlreadyTerminal, orderID, order.Status)
		}

		if changes.Quantity > 0 {
			order.Quantity = changes.Quantity
			order.PendingQuantity = changes.Quantity
		}
		if changes.PriceType != "" {
			order.PriceType = changes.PriceType
		}
		if changes.Price.IsPositive() {
			order.Price = changes.Price
		}
		if changes.TriggerPrice.IsPositive() {
			order.TriggerPrice = changes.TriggerPrice
		}
		req := requestFromOrder(order)
		if err := m.validate(ctx, userID, req); err != nil {
			return err
		}

		newMargin := decimal.Zero
		if instrument.MustBlockMargin(order.Action, order.Product, order.Symbol, order.Exchange) {
			newMargin, err = m.margin.Required(ctx, req, quote.LTP)
			if err != nil {
				return err
			}
			pos, err := m.store.GetPosition(ctx, tx, models.PositionKey{
				UserID: userID, Symbol: order.Symbol, Exchange: order.Exchange, Product: order.Product,
			})
			if err != nil && !errors.Is(err, models.ErrPositionNotFound) {
				return err
			}
			if pos != nil && reducing(pos.Quantity, req) {
				newMargin = decimal.Zero
			}
		}
		diff := newMargin.Sub(order.MarginBlocked)
		switch {
		case diff.IsPositive():
			if err := m.ledger.BlockMargin(ctx, tx, userID, diff); err != nil {
				return err
			}
		case diff.IsNegative():
			if err := m.ledger.ReleaseMargin(ctx, tx, userID, diff.Neg(), decimal.Zero); err != nil {
				return err
			}
		}
		order.MarginBlocked = newMargin
		order.UpdateTimestamp = m.now()
		if err := m.store.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Infow("order modified", "user", userID, "orderid", orderID)
	m.notify(updated)
	return updated, nil
}

// CancelOrder cancels an open order and releases its blocked margin.
func (m *Manager) CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	return m.CancelOrderWithReason(ctx, userID, orderID, "")
}

// CancelOrderWithReason is CancelOrder with an audit note, used by the
// square-off sweep.
func (m *Manager) CancelOrderWithReason(ctx context.Context, userID, orderID, reason string) (*models.Order, error) {
	var cancelled *models.Order
	err := m.store.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		order, err := m.store.GetOrder(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderOpen {
			return fmt.Errorf("%w: %s is %s", models.ErrAlreadyTerminal, orderID, order.Status)
		}
		if order.MarginBlocked.IsPositive() {
			if err := m.ledger.ReleaseMargin(ctx, tx, userID, order.MarginBlocked, decimal.Zero); err != nil {
				return err
			}
		}
		order.Status = models.OrderCancelled
		order.PendingQuantity = 0
		order.MarginBlocked = decimal.Zero
		order.RejectionReason = reason
		order.UpdateTimestamp = m.now()
		if err := m.store.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Infow("order cancelled", "user", userID, "orderid", orderID, "reason", reason)
	m.notify(cancelled)
	return cancelled, nil
}

// CancelAll cancels every open order of the user and reports how many
// were cancelled. Individual races with fills are skipped, not errors.
func (m *Manager) CancelAll(ctx context.Context, userID string) (int, error) {
	open, err := m.store.OpenOrdersByUser(ctx, m.store.DB(), userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range open {
		if _, err := m.CancelOrder(ctx, userID, o.OrderID); err != nil {
			if errors.Is(err, models.ErrAlreadyTerminal) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// ClosePosition flattens a position with a reverse MARKET order.
func (m *Manager) ClosePosition(ctx context.Context, key models.PositionKey) (*models.Order, error) {
	pos, err := m.store.GetPosition(ctx, m.store.DB(), key)
	if err != nil {
		return nil, err
	}
	req, err := positions.ClosePositionDraft(pos)
	if err != nil {
		return nil, err
	}
	return m.PlaceOrder(ctx, key.UserID, req)
}

// validate enforces the draft constraints that do not need database
// state. Violations surface as ValidationError.
func (m *Manager) validate(ctx context.Context, userID string, req models.OrderRequest) error {
	if userID == "" {
		return models.NewValidationError("user_id", "required")
	}
	if req.Symbol == "" {
		return models.NewValidationError("symbol", "required")
	}
	if !instrument.KnownExchange(req.Exchange) {
		return models.NewValidationError("exchange", "unknown exchange %q", req.Exchange)
	}
	if req.Action != models.Buy && req.Action != models.Sell {
		return models.NewValidationError("action", "invalid action %q", req.Action)
	}
	if req.Quantity <= 0 {
		return models.NewValidationError("quantity", "must be positive")
	}
	switch req.Product {
	case models.CNC, models.MIS, models.NRML:
	default:
		return models.NewValidationError("product", "invalid product %q", req.Product)
	}
	if req.Product == models.CNC && instrument.IsDerivative(req.Symbol, req.Exchange) {
		return models.NewValidationError("product", "CNC is not valid for derivatives")
	}

	switch req.PriceType {
	case models.Market:
	case models.Limit:
		if !req.Price.IsPositive() {
			return models.NewValidationError("price", "LIMIT orders need a positive price")
		}
	case models.SL:
		if !req.Price.IsPositive() {
			return models.NewValidationError("price", "SL orders need a positive price")
		}
		if !req.TriggerPrice.IsPositive() {
			return models.NewValidationError("trigger_price", "SL orders need a positive trigger price")
		}
	case models.SLM:
		if !req.TriggerPrice.IsPositive() {
			return models.NewValidationError("trigger_price", "SL-M orders need a positive trigger price")
		}
	default:
		return models.NewValidationError("price_type", "invalid price type %q", req.PriceType)
	}

	ok, err := m.meta.Exists(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return err
	}
	if !ok {
		return models.NewValidationError("symbol", "unknown symbol %s/%s", req.Symbol, req.Exchange)
	}

	// Derivatives trade in whole lots.
	if instrument.IsDerivative(req.Symbol, req.Exchange) {
		lot, err := m.meta.LotSize(ctx, req.Symbol, req.Exchange)
		if err != nil {
			return err
		}
		if lot > 0 && req.Quantity%lot != 0 {
			return models.NewValidationError("quantity", "must be a multiple of lot size %d", lot)
		}
	}
	return nil
}

func requestFromOrder(o *models.Order) models.OrderRequest {
	return models.OrderRequest{
		Symbol:       o.Symbol,
		Exchange:     o.Exchange,
		Action:       o.Action,
		Quantity:     o.Quantity,
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		PriceType:    o.PriceType,
		Product:      o.Product,
		Strategy:     o.Strategy,
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
