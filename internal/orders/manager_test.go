package orders

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
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

type fixture struct {
	store    *store.Store
	cfg      *config.Store
	ledger   *ledger.Ledger
	provider *marketdata.SimProvider
	engine   *engine.Engine
	orders   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg, err := config.NewStore(ctx, db, log)
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}

	provider := marketdata.NewSimProvider()
	provider.AddSymbol("RELIANCE", "NSE", 1)
	provider.AddSymbol("TCS", "NSE", 1)
	provider.SetQuote(models.Quote{
		Symbol: "RELIANCE", Exchange: "NSE",
		LTP: d("2500"), Bid: d("2499"), Ask: d("2501"),
	})
	provider.SetQuote(models.Quote{
		Symbol: "TCS", Exchange: "NSE", LTP: d("4000"),
	})

	fetcher := marketdata.NewFetcher(provider, 100, log)
	lg := ledger.New(db, cfg, log)
	pm := positions.NewManager(db, lg, log)
	calc := instrument.NewCalculator(cfg, provider)
	eng := engine.New(db, lg, pm, fetcher, 0, log)
	om := NewManager(db, lg, pm, calc, fetcher, cfg, provider, eng, utils.IST, log)

	// Mid-session, well inside the intraday window.
	om.now = func() time.Time {
		return time.Date(2026, 8, 25, 11, 0, 0, 0, utils.IST)
	}

	return &fixture{store: db, cfg: cfg, ledger: lg, provider: provider, engine: eng, orders: om}
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func marketBuy(qty int64) models.OrderRequest {
	return models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
		Quantity: qty, PriceType: models.Market, Product: models.MIS,
	}
}

func TestPlaceMarketOrderExecutesInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.orders.PlaceOrder(ctx, "u1", marketBuy(10))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != models.OrderComplete {
		t.Fatalf("status = %s, want complete", order.Status)
	}
	// MARKET BUY fills at the ask.
	if !order.AveragePrice.Equal(d("2501")) {
		t.Errorf("fill price = %s, want 2501", order.AveragePrice)
	}

	trades, err := f.store.TradesByOrder(ctx, f.store.DB(), order.OrderID)
	if err != nil {
		t.Fatalf("TradesByOrder: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}

	pos, err := f.store.GetPosition(ctx, f.store.DB(), models.PositionKey{
		UserID: "u1", Symbol: "RELIANCE", Exchange: "NSE", Product: models.MIS,
	})
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Quantity != 10 || !pos.AveragePrice.Equal(d("2501")) {
		t.Errorf("pos = %d @%s", pos.Quantity, pos.AveragePrice)
	}

	// Margin stays blocked while the position is open:
	// 10 x 2500 (LTP reference) / 5.
	funds, _ := f.store.GetFunds(ctx, f.store.DB(), "u1")
	if !funds.UsedMargin.Equal(d("5000")) {
		t.Errorf("used margin = %s, want 5000", funds.UsedMargin)
	}
}

func TestPlaceLimitOrderStaysOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
		Quantity: 10, PriceType: models.Limit, Price: d("2450"),
		Product: models.MIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != models.OrderOpen {
		t.Fatalf("status = %s, want open", order.Status)
	}
	// LIMIT margin references the limit price: 10 x 2450 / 5.
	if !order.MarginBlocked.Equal(d("4900")) {
		t.Errorf("margin = %s, want 4900", order.MarginBlocked)
	}

	funds, _ := f.store.GetFunds(ctx, f.store.DB(), "u1")
	if !funds.UsedMargin.Equal(d("4900")) {
		t.Errorf("used margin = %s, want 4900", funds.UsedMargin)
	}
}

func TestPlaceRejectsOnInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.cfg.Set(ctx, config.KeyStartingCapital, "100000"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// 1000 x 2500 / 5 = 500000 > 100000.
	order, err := f.orders.PlaceOrder(ctx, "u1", marketBuy(1000))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != models.OrderRejected {
		t.Fatalf("status = %s, want rejected", order.Status)
	}
	if order.RejectionReason == "" {
		t.Error("rejection reason is empty")
	}

	// The rejected order is on record and funds are untouched.
	got, err := f.store.GetOrder(ctx, f.store.DB(), "u1", order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != models.OrderRejected || !got.MarginBlocked.IsZero() {
		t.Errorf("stored rejected order = %+v", got)
	}
	funds, _ := f.store.GetFunds(ctx, f.store.DB(), "u1")
	if !funds.UsedMargin.IsZero() {
		t.Errorf("used margin = %s after rejection", funds.UsedMargin)
	}
}

func TestCNCSellWithoutHoldingsRejected(t *testing.T) {
	f := newFixture(t)

	order, err := f.orders.PlaceOrder(context.Background(), "u1", models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Sell,
		Quantity: 5, PriceType: models.Market, Product: models.CNC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != models.OrderRejected {
		t.Fatalf("status = %s, want rejected", order.Status)
	}
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.OrderRequest
	}{
		{"unknown symbol", models.OrderRequest{
			Symbol: "NOPE", Exchange: "NSE", Action: models.Buy,
			Quantity: 1, PriceType: models.Market, Product: models.MIS}},
		{"unknown exchange", models.OrderRequest{
			Symbol: "RELIANCE", Exchange: "NYSE", Action: models.Buy,
			Quantity: 1, PriceType: models.Market, Product: models.MIS}},
		{"zero quantity", models.OrderRequest{
			Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
			Quantity: 0, PriceType: models.Market, Product: models.MIS}},
		{"limit without price", models.OrderRequest{
			Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
			Quantity: 1, PriceType: models.Limit, Product: models.MIS}},
		{"sl without trigger", models.OrderRequest{
			Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
			Quantity: 1, PriceType: models.SL, Price: d("100"), Product: models.MIS}},
		{"bad product", models.OrderRequest{
			Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
			Quantity: 1, PriceType: models.Market, Product: "BO"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orders.PlaceOrder(ctx, "u1", tt.req)
			if !models.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCancelReleasesMargin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
		Quantity: 10, PriceType: models.Limit, Price: d("2450"),
		Product: models.MIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	cancelled, err := f.orders.CancelOrder(ctx, "u1", order.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != models.OrderCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	funds, _ := f.store.GetFunds(ctx, f.store.DB(), "u1")
	if !funds.UsedMargin.IsZero() {
		t.Errorf("used margin = %s after cancel, want 0", funds.UsedMargin)
	}

	// A second cancel is a terminal-state conflict.
	if _, err := f.orders.CancelOrder(ctx, "u1", order.OrderID); !errors.Is(err, models.ErrAlreadyTerminal) {
		t.Errorf("second cancel err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestModifyAdjustsMarginDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
		Quantity: 10, PriceType: models.Limit, Price: d("2450"),
		Product: models.MIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	updated, err := f.orders.ModifyOrder(ctx, "u1", order.OrderID, models.OrderChanges{
		Quantity: 20,
	})
	if err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	// 20 x 2450 / 5.
	if !updated.MarginBlocked.Equal(d("9800")) {
		t.Errorf("margin = %s, want 9800", updated.MarginBlocked)
	}
	funds, _ := f.store.GetFunds(ctx, f.store.DB(), "u1")
	if !funds.UsedMargin.Equal(d("9800")) {
		t.Errorf("used margin = %s, want 9800", funds.UsedMargin)
	}

	// Shrinking returns the difference.
	updated, err = f.orders.ModifyOrder(ctx, "u1", order.OrderID, models.OrderChanges{
		Quantity: 5,
	})
	if err != nil {
		t.Fatalf("ModifyOrder shrink: %v", err)
	}
	if !updated.MarginBlocked.Equal(d("2450")) {
		t.Errorf("margin = %s, want 2450", updated.MarginBlocked)
	}
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
			Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
			Quantity: 1, PriceType: models.Limit, Price: d("2400"),
			Product: models.MIS,
		})
		if err != nil {
			t.Fatalf("PlaceOrder %d: %v", i, err)
		}
	}

	n, err := f.orders.CancelAll(ctx, "u1")
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled = %d, want 3", n)
	}

	open, _ := f.store.OpenOrdersByUser(ctx, f.store.DB(), "u1")
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestMISCutoffGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// After the NSE/BSE cutoff.
	f.orders.now = func() time.Time {
		return time.Date(2026, 8, 25, 15, 30, 0, 0, utils.IST)
	}

	order, err := f.orders.PlaceOrder(ctx, "u1", marketBuy(10))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != models.OrderRejected {
		t.Fatalf("status = %s, want rejected after cutoff", order.Status)
	}

	// CNC is unaffected by the MIS gate.
	cnc, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Buy,
		Quantity: 2, PriceType: models.Market, Product: models.CNC,
	})
	if err != nil {
		t.Fatalf("CNC PlaceOrder: %v", err)
	}
	if cnc.Status != models.OrderComplete {
		t.Errorf("cnc status = %s, want complete", cnc.Status)
	}
}

func TestMISCutoffAllowsReducingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Open a position before the cutoff.
	if _, err := f.orders.PlaceOrder(ctx, "u1", marketBuy(10)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	f.orders.now = func() time.Time {
		return time.Date(2026, 8, 25, 15, 30, 0, 0, utils.IST)
	}

	// Reducing sell is allowed.
	closing, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Sell,
		Quantity: 10, PriceType: models.Market, Product: models.MIS,
	})
	if err != nil {
		t.Fatalf("reducing PlaceOrder: %v", err)
	}
	if closing.Status != models.OrderComplete {
		t.Fatalf("status = %s, want complete", closing.Status)
	}

	// Increasing beyond flat is not.
	over, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "RELIANCE", Exchange: "NSE", Action: models.Sell,
		Quantity: 5, PriceType: models.Market, Product: models.MIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if over.Status != models.OrderRejected {
		t.Errorf("status = %s, want rejected", over.Status)
	}
}

func TestDerivativeQuantityMustBeLotMultiple(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.AddSymbol("NIFTY25SEP24800CE", "NFO", 75)
	f.provider.SetQuote(models.Quote{Symbol: "NIFTY25SEP24800CE", Exchange: "NFO", LTP: d("120")})

	_, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "NIFTY25SEP24800CE", Exchange: "NFO", Action: models.Buy,
		Quantity: 40, PriceType: models.Market, Product: models.NRML,
	})
	if !models.IsValidation(err) {
		t.Fatalf("err = %v, want validation error for off-lot quantity", err)
	}

	order, err := f.orders.PlaceOrder(ctx, "u1", models.OrderRequest{
		Symbol: "NIFTY25SEP24800CE", Exchange: "NFO", Action: models.Buy,
		Quantity: 150, PriceType: models.Market, Product: models.NRML,
	})
	if err != nil {
		t.Fatalf("whole-lot PlaceOrder: %v", err)
	}
	if order.Status != models.OrderComplete {
		t.Errorf("status = %s, want complete", order.Status)
	}
}

func TestReducingOrderBlocksNoMargin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.cfg.Set(ctx, config.KeyStartingCapital, "100000"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Deploy nearly all capital: 195 x 2500 / 5 = 97500 of 100000.
	opened, err := f.orders.PlaceOrder(ctx, "u1", marketBuy(195))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if opened.Status != models.OrderComplete {
		t.Fatalf("status = %s, want complete", opened.Status)
	}

	// The exit must not need fresh margin.
	key := models.PositionKey{UserID: "u1", Symbol: "RELIANCE", Exchange: "NSE", Product: models.MIS}
	closing, err := f.orders.ClosePosition(ctx, key)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closing.Status != models.OrderComplete {
		t.Fatalf("close status = %s (%s), want complete", closing.Status, closing.RejectionReason)
	}
	if !closing.MarginBlocked.IsZero() {
		t.Errorf("close order margin = %s, want 0", closing.MarginBlocked)
	}

	pos, err := f.store.GetPosition(ctx, f.store.DB(), key)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Quantity != 0 {
		t.Errorf("quantity = %d, want 0", pos.Quantity)
	}
	funds, _ := f.store.GetFunds(ctx, f.store.DB(), "u1")
	if !funds.UsedMargin.IsZero() {
		t.Errorf("used margin = %s after exit, want 0", funds.UsedMargin)
	}
}

func TestValidationMessagesKeepLiteralPercent(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.PlaceOrder(context.Background(), "u1", models.OrderRequest{
		Symbol: "BAD%SYM", Exchange: "NSE", Action: models.Buy,
		Quantity: 1, PriceType: models.Market, Product: models.MIS,
	})
	if !models.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "BAD%SYM") {
		t.Errorf("message %q mangles the symbol", err.Error())
	}
}

func TestPendingOrderNeedsQuote(t *testing.T) {
	f := newFixture(t)

	f.provider.AddSymbol("NOQUOTE", "NSE", 1)
	_, err := f.orders.PlaceOrder(context.Background(), "u1", models.OrderRequest{
		Symbol: "NOQUOTE", Exchange: "NSE", Action: models.Buy,
		Quantity: 1, PriceType: models.Limit, Price: d("100"), Product: models.MIS,
	})
	if !errors.Is(err, models.ErrQuoteUnavailable) {
		t.Errorf("err = %v, want ErrQuoteUnavailable", err)
	}
}

func TestClosePositionFlattens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orders.PlaceOrder(ctx, "u1", marketBuy(10)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	key := models.PositionKey{UserID: "u1", Symbol: "RELIANCE", Exchange: "NSE", Product: models.MIS}
	order, err := f.orders.ClosePosition(ctx, key)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if order.Status != models.OrderComplete || order.Action != models.Sell {
		t.Fatalf("close order = %+v", order)
	}

	pos, err := f.store.GetPosition(ctx, f.store.DB(), key)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Quantity != 0 {
		t.Errorf("quantity = %d, want 0", pos.Quantity)
	}

	funds, _ := f.store.GetFunds(ctx, f.store.DB(), "u1")
	if !funds.UsedMargin.IsZero() {
		t.Errorf("used margin = %s after flatten, want 0", funds.UsedMargin)
	}
}
