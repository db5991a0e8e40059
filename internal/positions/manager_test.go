package positions

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
)

type fixture struct {
	store   *store.Store
	ledger  *ledger.Ledger
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg, err := config.NewStore(context.Background(), db, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	lg := ledger.New(db, cfg, zap.NewNop().Sugar())
	return &fixture{
		store:   db,
		ledger:  lg,
		manager: NewManager(db, lg, zap.NewNop().Sugar()),
	}
}

// fill blocks the order's margin and applies the fill the way the
// execution path does: both inside the user's transaction.
func (f *fixture) fill(t *testing.T, action models.OrderAction, qty int64, price, margin string) *FillResult {
	t.Helper()
	ctx := context.Background()

	execPrice, _ := decimal.NewFromString(price)
	m, _ := decimal.NewFromString(margin)
	order := &models.Order{
		OrderID:       "SB-test",
		UserID:        "u1",
		Symbol:        "RELIANCE",
		Exchange:      "NSE",
		Action:        action,
		Quantity:      qty,
		PriceType:     models.Market,
		Product:       models.MIS,
		MarginBlocked: m,
	}

	var res *FillResult
	err := f.store.WithUserTx(ctx, "u1", func(tx *sql.Tx) error {
		if m.IsPositive() {
			if err := f.ledger.BlockMargin(ctx, tx, "u1", m); err != nil {
				return err
			}
		}
		var err error
		res, err = f.manager.ApplyFill(ctx, tx, order, execPrice, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("fill %s %d @%s: %v", action, qty, price, err)
	}
	return res
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestOpenPosition(t *testing.T) {
	f := newFixture(t)
	res := f.fill(t, models.Buy, 10, "100", "250")

	p := res.Position
	if p.Quantity != 10 || !p.AveragePrice.Equal(d("100")) {
		t.Errorf("pos = %d @%s, want 10 @100", p.Quantity, p.AveragePrice)
	}
	if !p.MarginBlocked.Equal(d("250")) {
		t.Errorf("margin = %s, want 250", p.MarginBlocked)
	}
	if !res.RealizedDelta.IsZero() || !res.MarginReleased.IsZero() {
		t.Errorf("open fill released %s / realized %s", res.MarginReleased, res.RealizedDelta)
	}
}

func TestAddAveragesEntry(t *testing.T) {
	f := newFixture(t)
	f.fill(t, models.Buy, 10, "100", "250")
	res := f.fill(t, models.Buy, 10, "110", "275")

	p := res.Position
	if p.Quantity != 20 || !p.AveragePrice.Equal(d("105")) {
		t.Errorf("pos = %d @%s, want 20 @105", p.Quantity, p.AveragePrice)
	}
	if !p.MarginBlocked.Equal(d("525")) {
		t.Errorf("margin = %s, want 525", p.MarginBlocked)
	}
}

func TestReduceReleasesProRata(t *testing.T) {
	f := newFixture(t)
	f.fill(t, models.Buy, 10, "100", "250")
	f.fill(t, models.Buy, 10, "110", "275")

	// Sell 5 of 20 at 115: realized (115-105)x5 = 50; release
	// 525 x 5/20 + closing order's own 60 = 191.25.
	res := f.fill(t, models.Sell, 5, "115", "60")

	p := res.Position
	if p.Quantity != 15 || !p.AveragePrice.Equal(d("105")) {
		t.Errorf("pos = %d @%s, want 15 @105", p.Quantity, p.AveragePrice)
	}
	if !res.RealizedDelta.Equal(d("50")) {
		t.Errorf("realized = %s, want 50", res.RealizedDelta)
	}
	if !res.MarginReleased.Equal(d("191.25")) {
		t.Errorf("released = %s, want 191.25", res.MarginReleased)
	}
	if !p.MarginBlocked.Equal(d("393.75")) {
		t.Errorf("remaining margin = %s, want 393.75", p.MarginBlocked)
	}
	if !p.AccumulatedRealizedPnL.Equal(d("50")) {
		t.Errorf("accumulated = %s, want 50", p.AccumulatedRealizedPnL)
	}
}

func TestExactCloseKeepsFlatRowWithRealized(t *testing.T) {
	f := newFixture(t)
	f.fill(t, models.Buy, 10, "100", "250")
	res := f.fill(t, models.Sell, 10, "95", "240")

	p := res.Position
	if p.Quantity != 0 {
		t.Fatalf("quantity = %d, want 0", p.Quantity)
	}
	if !p.MarginBlocked.IsZero() {
		t.Errorf("flat row keeps margin %s", p.MarginBlocked)
	}
	if !res.RealizedDelta.Equal(d("-50")) {
		t.Errorf("realized = %s, want -50", res.RealizedDelta)
	}
	// Whole stored margin plus the closing order's own block comes back.
	if !res.MarginReleased.Equal(d("490")) {
		t.Errorf("released = %s, want 490", res.MarginReleased)
	}
	if !p.PnL.Equal(d("-50")) {
		t.Errorf("flat pnl = %s, want -50", p.PnL)
	}

	// The row survives for the session.
	got, err := f.store.GetPosition(context.Background(), f.store.DB(), p.Key())
	if err != nil {
		t.Fatalf("GetPosition after close: %v", err)
	}
	if !got.AccumulatedRealizedPnL.Equal(d("-50")) {
		t.Errorf("stored accumulated = %s, want -50", got.AccumulatedRealizedPnL)
	}
}

func TestReopenPreservesAccumulatedRealized(t *testing.T) {
	f := newFixture(t)
	f.fill(t, models.Buy, 10, "100", "250")
	f.fill(t, models.Sell, 10, "110", "240") // +100 realized, now flat
	res := f.fill(t, models.Buy, 5, "120", "130")

	p := res.Position
	if p.Quantity != 5 || !p.AveragePrice.Equal(d("120")) {
		t.Errorf("pos = %d @%s, want 5 @120", p.Quantity, p.AveragePrice)
	}
	if !p.AccumulatedRealizedPnL.Equal(d("100")) {
		t.Errorf("accumulated = %s, want 100 carried through reopen", p.AccumulatedRealizedPnL)
	}
	if !p.MarginBlocked.Equal(d("130")) {
		t.Errorf("margin = %s, want 130", p.MarginBlocked)
	}
}

func TestReversalSplitsFill(t *testing.T) {
	f := newFixture(t)
	f.fill(t, models.Buy, 10, "100", "250")

	// Sell 15 at 110: closes 10 (+100 realized), opens short 5.
	// New margin keeps the open slice of the fill's block: 300 x 5/15.
	res := f.fill(t, models.Sell, 15, "110", "300")

	p := res.Position
	if p.Quantity != -5 || !p.AveragePrice.Equal(d("110")) {
		t.Errorf("pos = %d @%s, want -5 @110", p.Quantity, p.AveragePrice)
	}
	if !res.RealizedDelta.Equal(d("100")) {
		t.Errorf("realized = %s, want 100", res.RealizedDelta)
	}
	if !p.MarginBlocked.Equal(d("100")) {
		t.Errorf("new margin = %s, want 100", p.MarginBlocked)
	}
	if !res.MarginReleased.Equal(d("450")) {
		t.Errorf("released = %s, want 450", res.MarginReleased)
	}
}

func TestShortSidePnL(t *testing.T) {
	f := newFixture(t)
	f.fill(t, models.Sell, 10, "200", "400")

	// Cover at 190: short gains 10 per unit.
	res := f.fill(t, models.Buy, 10, "190", "380")
	if !res.RealizedDelta.Equal(d("100")) {
		t.Errorf("realized = %s, want 100", res.RealizedDelta)
	}
}

func TestUnrealizedAndMarkToMarket(t *testing.T) {
	f := newFixture(t)
	res := f.fill(t, models.Buy, 10, "100", "250")
	ctx := context.Background()

	err := f.store.WithUserTx(ctx, "u1", func(tx *sql.Tx) error {
		return f.manager.MarkToMarket(ctx, tx, res.Position, d("104"), time.Now())
	})
	if err != nil {
		t.Fatalf("MarkToMarket: %v", err)
	}

	p, err := f.store.GetPosition(ctx, f.store.DB(), res.Position.Key())
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !p.PnL.Equal(d("40")) {
		t.Errorf("pnl = %s, want 40", p.PnL)
	}
	if !p.PnLPercent.Equal(d("4")) {
		t.Errorf("pnl%% = %s, want 4", p.PnLPercent)
	}
	if !Unrealized(p).Equal(d("40")) {
		t.Errorf("Unrealized = %s, want 40", Unrealized(p))
	}
}

func TestSellableQuantityCombinesHoldingAndPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	h := &models.Holding{
		UserID: "u1", Symbol: "TCS", Exchange: "NSE", Quantity: 7,
		AveragePrice: d("4000"), SettlementDate: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.UpsertHolding(ctx, f.store.DB(), h); err != nil {
		t.Fatalf("UpsertHolding: %v", err)
	}
	pos := &models.Position{
		UserID: "u1", Symbol: "TCS", Exchange: "NSE", Product: models.CNC,
		Quantity: 3, AveragePrice: d("4100"), CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.UpsertPosition(ctx, f.store.DB(), pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	got, err := f.manager.SellableQuantity(ctx, f.store.DB(), "u1", "TCS", "NSE")
	if err != nil {
		t.Fatalf("SellableQuantity: %v", err)
	}
	if got != 10 {
		t.Errorf("sellable = %d, want 10", got)
	}
}

func TestClosePositionDraft(t *testing.T) {
	long := &models.Position{Symbol: "TCS", Exchange: "NSE", Product: models.MIS, Quantity: 4}
	req, err := ClosePositionDraft(long)
	if err != nil {
		t.Fatalf("ClosePositionDraft: %v", err)
	}
	if req.Action != models.Sell || req.Quantity != 4 || req.PriceType != models.Market {
		t.Errorf("draft = %+v", req)
	}

	short := &models.Position{Symbol: "TCS", Exchange: "NSE", Product: models.MIS, Quantity: -2}
	req, err = ClosePositionDraft(short)
	if err != nil {
		t.Fatalf("ClosePositionDraft short: %v", err)
	}
	if req.Action != models.Buy || req.Quantity != 2 {
		t.Errorf("short draft = %+v", req)
	}

	flat := &models.Position{Quantity: 0}
	if _, err := ClosePositionDraft(flat); err == nil {
		t.Error("expected error for flat position")
	}
}
