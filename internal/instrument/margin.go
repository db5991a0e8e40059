package instrument

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/pkg/models"
)

// Calculator computes the margin required for an order draft. Leverage
// factors come from the runtime config store; lot sizes from the symbol
// master.
type Calculator struct {
	cfg  *config.Store
	meta models.SymbolMetaProvider
}

// NewCalculator creates a margin calculator.
func NewCalculator(cfg *config.Store, meta models.SymbolMetaProvider) *Calculator {
	return &Calculator{cfg: cfg, meta: meta}
}

// Leverage selects the leverage factor for an instrument per the
// decision table. Unmatched combinations get no leverage.
func (c *Calculator) Leverage(symbol, exchange string, product models.Product, action models.OrderAction) decimal.Decimal {
	one := decimal.NewFromInt(1)

	var key string
	switch {
	case exchange == "NSE" || exchange == "BSE":
		if product == models.MIS {
			key = config.KeyEquityMISLeverage
		} else {
			key = config.KeyEquityCNCLeverage
		}
	case IsOption(symbol, exchange):
		if action == models.Buy {
			key = config.KeyOptionBuyLeverage
		} else {
			key = config.KeyOptionSellLeverage
		}
	case IsFuture(symbol, exchange):
		key = config.KeyFuturesLeverage
	default:
		return one
	}

	l := c.cfg.Decimal(key)
	if l.LessThan(one) {
		return one
	}
	return l
}

// ReferencePrice selects the price margin is computed against:
// LTP for MARKET, the limit price for LIMIT, the trigger for SL/SL-M.
func ReferencePrice(req models.OrderRequest, ltp decimal.Decimal) decimal.Decimal {
	switch req.PriceType {
	case models.Limit:
		return req.Price
	case models.SL, models.SLM:
		return req.TriggerPrice
	default:
		return ltp
	}
}

// Required returns the margin to block for a draft given the reference
// price, rounded to 2 fractional digits with banker's rounding.
//
// Option BUY pays the full premium (no leverage); option SELL, futures
// and equity divide the notional by the configured leverage.
func (c *Calculator) Required(ctx context.Context, req models.OrderRequest, ltp decimal.Decimal) (decimal.Decimal, error) {
	ref := ReferencePrice(req, ltp)
	if !ref.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive reference price %s for %s", ref, req.Symbol)
	}

	qty := decimal.NewFromInt(req.Quantity)
	lot := decimal.NewFromInt(1)
	if IsDerivative(req.Symbol, req.Exchange) {
		n, err := c.meta.LotSize(ctx, req.Symbol, req.Exchange)
		if err != nil {
			return decimal.Zero, fmt.Errorf("lot size for %s/%s: %w", req.Symbol, req.Exchange, err)
		}
		lot = decimal.NewFromInt(n)
	}

	notional := ref.Mul(lot).Mul(qty)
	if IsOption(req.Symbol, req.Exchange) && req.Action == models.Buy {
		return notional.RoundBank(2), nil
	}

	lev := c.Leverage(req.Symbol, req.Exchange, req.Product, req.Action)
	return notional.Div(lev).RoundBank(2), nil
}

// MustBlockMargin reports whether placing the draft blocks margin.
// Every BUY blocks; a SELL blocks unless it is a CNC sale of an
// existing equity holding.
func MustBlockMargin(action models.OrderAction, product models.Product, symbol, exchange string) bool {
	if action == models.Buy {
		return true
	}
	if IsOption(symbol, exchange) || IsFuture(symbol, exchange) {
		return true
	}
	return product == models.MIS || product == models.NRML
}
