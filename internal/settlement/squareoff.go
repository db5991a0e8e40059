// Package settlement holds the scheduled money-moving sweeps: the MIS
// square-off at each exchange group's cutoff and the nightly T+1 sweep
// of aged CNC positions into holdings.
package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/instrument"
	"github.com/seenimoa/sandbox/internal/orders"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
	"github.com/seenimoa/sandbox/pkg/utils"
)

// SquareOff cancels open MIS orders and flattens nonzero MIS positions
// for one exchange group. Per-item failures are logged and the sweep
// continues.
type SquareOff struct {
	store  *store.Store
	orders *orders.Manager
	cfg    *config.Store
	loc    *time.Location
	log    *zap.SugaredLogger
}

// NewSquareOff creates the square-off sweeper.
func NewSquareOff(st *store.Store, om *orders.Manager, cfg *config.Store, loc *time.Location, log *zap.SugaredLogger) *SquareOff {
	return &SquareOff{store: st, orders: om, cfg: cfg, loc: loc, log: log}
}

// Run sweeps one exchange group: cancel every open MIS order, then
// close every nonzero MIS position with a reverse MARKET order.
func (s *SquareOff) Run(ctx context.Context, group instrument.Group) {
	s.log.Infow("square-off sweep starting", "group", group)

	open, err := s.store.OpenOrders(ctx, s.store.DB())
	if err != nil {
		s.log.Errorw("square-off: reading open orders failed", "group", group, "error", err)
		return
	}
	cancelled := 0
	for _, o := range open {
		if o.Product != models.MIS || !group.Contains(o.Exchange) {
			continue
		}
		if _, err := s.orders.CancelOrderWithReason(ctx, o.UserID, o.OrderID, orders.ReasonSquareOff); err != nil {
			if errors.Is(err, models.ErrAlreadyTerminal) {
				continue
			}
			s.log.Errorw("square-off: cancel failed",
				"user", o.UserID, "orderid", o.OrderID, "error", err)
			continue
		}
		cancelled++
	}

	positionRows, err := s.store.OpenPositionsByProduct(ctx, s.store.DB(), models.MIS)
	if err != nil {
		s.log.Errorw("square-off: reading positions failed", "group", group, "error", err)
		return
	}
	closed := 0
	for _, p := range positionRows {
		if !group.Contains(p.Exchange) || p.Quantity == 0 {
			continue
		}
		if _, err := s.orders.ClosePosition(ctx, p.Key()); err != nil {
			s.log.Errorw("square-off: position close failed",
				"user", p.UserID, "symbol", p.Symbol, "error", err)
			continue
		}
		closed++
	}
	s.log.Infow("square-off sweep done",
		"group", group, "orders_cancelled", cancelled, "positions_closed", closed)
}

// RunBackup re-runs the sweep for every group whose cutoff has already
// passed today. Invoked every minute to cover a missed scheduled tick.
func (s *SquareOff) RunBackup(ctx context.Context) {
	now := time.Now().In(s.loc)
	for _, group := range instrument.Groups() {
		hh, mm, err := utils.ParseHHMM(s.cfg.Get(group.CutoffConfigKey()))
		if err != nil {
			s.log.Errorw("bad square-off time in config", "group", group, "error", err)
			continue
		}
		if now.Before(utils.AtTime(now, hh, mm, s.loc)) {
			continue
		}
		if s.pendingWork(ctx, group) {
			s.Run(ctx, group)
		}
	}
}

// pendingWork reports whether the group still has open MIS orders or
// nonzero MIS positions. Keeps the backup job quiet when there is
// nothing to do.
func (s *SquareOff) pendingWork(ctx context.Context, group instrument.Group) bool {
	open, err := s.store.OpenOrders(ctx, s.store.DB())
	if err != nil {
		s.log.Errorw("square-off backup: reading open orders failed", "error", err)
		return false
	}
	for _, o := range open {
		if o.Product == models.MIS && group.Contains(o.Exchange) {
			return true
		}
	}
	positionRows, err := s.store.OpenPositionsByProduct(ctx, s.store.DB(), models.MIS)
	if err != nil {
		s.log.Errorw("square-off backup: reading positions failed", "error", err)
		return false
	}
	for _, p := range positionRows {
		if p.Quantity != 0 && group.Contains(p.Exchange) {
			return true
		}
	}
	return false
}
