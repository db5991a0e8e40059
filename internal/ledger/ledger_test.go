package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/models"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store, *config.Store) {
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
	return New(db, cfg, zap.NewNop().Sugar()), db, cfg
}

func TestGetProvisionsAtStartingCapital(t *testing.T) {
	l, db, cfg := newTestLedger(t)
	ctx := context.Background()

	if err := cfg.Set(ctx, config.KeyStartingCapital, "500000"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	f, err := l.Get(ctx, db.DB(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := decimal.NewFromInt(500000)
	if !f.TotalCapital.Equal(want) || !f.AvailableBalance.Equal(want) {
		t.Errorf("capital = %s / available = %s, want %s", f.TotalCapital, f.AvailableBalance, want)
	}
	if !f.UsedMargin.IsZero() {
		t.Errorf("used margin = %s, want 0", f.UsedMargin)
	}
}

func TestBlockAndReleaseMargin(t *testing.T) {
	l, db, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.BlockMargin(ctx, db.DB(), "u1", decimal.NewFromInt(4000)); err != nil {
		t.Fatalf("BlockMargin: %v", err)
	}

	f, _ := l.Get(ctx, db.DB(), "u1")
	if !f.UsedMargin.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("used margin = %s, want 4000", f.UsedMargin)
	}

	// Release with a realized profit of 250.
	if err := l.ReleaseMargin(ctx, db.DB(), "u1", decimal.NewFromInt(4000), decimal.NewFromInt(250)); err != nil {
		t.Fatalf("ReleaseMargin: %v", err)
	}
	f, _ = l.Get(ctx, db.DB(), "u1")
	if !f.UsedMargin.IsZero() {
		t.Errorf("used margin = %s, want 0", f.UsedMargin)
	}
	if !f.RealizedPnL.Equal(decimal.NewFromInt(250)) {
		t.Errorf("realized = %s, want 250", f.RealizedPnL)
	}
	wantAvail := decimal.NewFromInt(10000250)
	if !f.AvailableBalance.Equal(wantAvail) {
		t.Errorf("available = %s, want %s", f.AvailableBalance, wantAvail)
	}
	if !f.TotalPnL.Equal(f.RealizedPnL.Add(f.UnrealizedPnL)) {
		t.Errorf("total pnl %s != realized %s + unrealized %s", f.TotalPnL, f.RealizedPnL, f.UnrealizedPnL)
	}
}

func TestBlockMarginInsufficientFundsLeavesStateUntouched(t *testing.T) {
	l, db, cfg := newTestLedger(t)
	ctx := context.Background()

	if err := cfg.Set(ctx, config.KeyStartingCapital, "100000"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	err := l.BlockMargin(ctx, db.DB(), "u1", decimal.NewFromInt(100001))
	if !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	f, _ := l.Get(ctx, db.DB(), "u1")
	if !f.AvailableBalance.Equal(decimal.NewFromInt(100000)) || !f.UsedMargin.IsZero() {
		t.Errorf("funds mutated on failed block: %+v", f)
	}
}

func TestReleaseMarginClampsDrift(t *testing.T) {
	l, db, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.BlockMargin(ctx, db.DB(), "u1", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("BlockMargin: %v", err)
	}
	// Ask back more than was blocked.
	if err := l.ReleaseMargin(ctx, db.DB(), "u1", decimal.NewFromInt(500), decimal.Zero); err != nil {
		t.Fatalf("ReleaseMargin: %v", err)
	}

	f, _ := l.Get(ctx, db.DB(), "u1")
	if f.UsedMargin.IsNegative() {
		t.Errorf("used margin went negative: %s", f.UsedMargin)
	}
	if l.DriftCount() == 0 {
		t.Error("drift not counted")
	}
}

func TestConservationAcrossBlockReleaseCycle(t *testing.T) {
	l, db, _ := newTestLedger(t)
	ctx := context.Background()

	check := func(stage string) {
		f, err := l.Get(ctx, db.DB(), "u1")
		if err != nil {
			t.Fatalf("%s: Get: %v", stage, err)
		}
		holdings, err := db.HoldingsInvestment(ctx, db.DB(), "u1")
		if err != nil {
			t.Fatalf("%s: HoldingsInvestment: %v", stage, err)
		}
		lhs := f.AvailableBalance.Add(f.UsedMargin).Add(holdings)
		rhs := f.TotalCapital.Add(f.RealizedPnL)
		if lhs.Sub(rhs).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
			t.Errorf("%s: conservation broken: lhs=%s rhs=%s", stage, lhs, rhs)
		}
	}

	check("provisioned")
	l.BlockMargin(ctx, db.DB(), "u1", decimal.NewFromInt(12345))
	check("blocked")
	l.ReleaseMargin(ctx, db.DB(), "u1", decimal.NewFromInt(12345), decimal.NewFromFloat(-78.25))
	check("released with loss")
}

func TestTransferAndCreditPrimitives(t *testing.T) {
	l, db, _ := newTestLedger(t)
	ctx := context.Background()

	l.BlockMargin(ctx, db.DB(), "u1", decimal.NewFromInt(8000))
	if err := l.TransferMarginToHoldings(ctx, db.DB(), "u1", decimal.NewFromInt(8000)); err != nil {
		t.Fatalf("TransferMarginToHoldings: %v", err)
	}
	f, _ := l.Get(ctx, db.DB(), "u1")
	if !f.UsedMargin.IsZero() {
		t.Errorf("used margin = %s, want 0", f.UsedMargin)
	}
	// Transfer must not credit available balance.
	if !f.AvailableBalance.Equal(decimal.NewFromInt(9992000)) {
		t.Errorf("available = %s, want 9992000", f.AvailableBalance)
	}

	if err := l.CreditSaleProceeds(ctx, db.DB(), "u1", decimal.NewFromInt(8200)); err != nil {
		t.Fatalf("CreditSaleProceeds: %v", err)
	}
	f, _ = l.Get(ctx, db.DB(), "u1")
	if !f.AvailableBalance.Equal(decimal.NewFromInt(10000200)) {
		t.Errorf("available = %s, want 10000200", f.AvailableBalance)
	}
}

func TestResetRestoresCapital(t *testing.T) {
	l, db, _ := newTestLedger(t)
	ctx := context.Background()

	l.BlockMargin(ctx, db.DB(), "u1", decimal.NewFromInt(5000))
	l.SetUnrealized(ctx, db.DB(), "u1", decimal.NewFromInt(-300))

	f, _ := l.Get(ctx, db.DB(), "u1")
	if err := l.Reset(ctx, db.DB(), "u1", f.LastResetDate.Add(1)); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	f, _ = l.Get(ctx, db.DB(), "u1")
	if !f.AvailableBalance.Equal(f.TotalCapital) {
		t.Errorf("available = %s, want %s", f.AvailableBalance, f.TotalCapital)
	}
	if !f.UsedMargin.IsZero() || !f.RealizedPnL.IsZero() || !f.UnrealizedPnL.IsZero() || !f.TotalPnL.IsZero() {
		t.Errorf("pnl state not cleared: %+v", f)
	}
	if f.ResetCount != 1 {
		t.Errorf("reset count = %d, want 1", f.ResetCount)
	}
}

func TestRebaseCapitalPreservesMarginAndPnL(t *testing.T) {
	l, db, _ := newTestLedger(t)
	ctx := context.Background()

	l.BlockMargin(ctx, db.DB(), "u1", decimal.NewFromInt(10000))
	l.ReleaseMargin(ctx, db.DB(), "u1", decimal.NewFromInt(5000), decimal.NewFromInt(400))

	if err := l.RebaseCapital(ctx, decimal.NewFromInt(100000)); err != nil {
		t.Fatalf("RebaseCapital: %v", err)
	}

	f, _ := l.Get(ctx, db.DB(), "u1")
	if !f.TotalCapital.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("capital = %s, want 100000", f.TotalCapital)
	}
	if !f.UsedMargin.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("used margin = %s, want 5000", f.UsedMargin)
	}
	// available = capital - used_margin + total_pnl
	want := decimal.NewFromInt(95400)
	if !f.AvailableBalance.Equal(want) {
		t.Errorf("available = %s, want %s", f.AvailableBalance, want)
	}
}
