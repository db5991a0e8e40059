package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/engine"
	"github.com/seenimoa/sandbox/internal/instrument"
	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/marketdata"
	"github.com/seenimoa/sandbox/internal/orders"
	"github.com/seenimoa/sandbox/internal/positions"
	"github.com/seenimoa/sandbox/internal/settlement"
	"github.com/seenimoa/sandbox/internal/store"
	"github.com/seenimoa/sandbox/pkg/utils"
)

func newScheduler(t *testing.T) (*Scheduler, *config.Store) {
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
	fetcher := marketdata.NewFetcher(provider, 100, log)
	lg := ledger.New(db, cfg, log)
	pm := positions.NewManager(db, lg, log)
	calc := instrument.NewCalculator(cfg, provider)
	eng := engine.New(db, lg, pm, fetcher, 0, log)
	om := orders.NewManager(db, lg, pm, calc, fetcher, cfg, provider, eng, utils.IST, log)
	so := settlement.NewSquareOff(db, om, cfg, utils.IST, log)
	t1 := settlement.NewT1Settler(db, lg, utils.IST, log)
	rs := settlement.NewResetter(db, lg, log)

	return New(cfg, utils.IST, eng, so, t1, rs, log), cfg
}

func TestStartRegistersAllJobs(t *testing.T) {
	s, _ := newScheduler(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	want := []string{
		"squareoff_NSE_BSE", "squareoff_CDS_BCD", "squareoff_MCX", "squareoff_NCDEX",
		"squareoff_backup", "t1_settlement", "auto_reset", "execution_engine", "mtm",
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range want {
		if _, ok := s.entries[name]; !ok {
			t.Errorf("job %q not registered", name)
		}
	}
	if len(s.entries) != len(want) {
		t.Errorf("jobs = %d, want %d", len(s.entries), len(want))
	}
}

func TestConfigChangeReschedulesJob(t *testing.T) {
	s, cfg := newScheduler(t)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.mu.Lock()
	before := s.entries["squareoff_MCX"]
	s.mu.Unlock()

	if err := cfg.Set(ctx, config.KeyMCXSquareOffTime, "22:00"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s.mu.Lock()
	after := s.entries["squareoff_MCX"]
	s.mu.Unlock()
	if after == before {
		t.Error("square-off job not replaced after config change")
	}
}

func TestMTMIntervalZeroRemovesJob(t *testing.T) {
	s, cfg := newScheduler(t)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := cfg.Set(ctx, config.KeyMTMUpdateInterval, "0"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.mu.Lock()
	_, ok := s.entries["mtm"]
	s.mu.Unlock()
	if ok {
		t.Error("mtm job still registered with interval 0")
	}

	// Re-enabling brings it back.
	if err := cfg.Set(ctx, config.KeyMTMUpdateInterval, "10"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.mu.Lock()
	_, ok = s.entries["mtm"]
	s.mu.Unlock()
	if !ok {
		t.Error("mtm job not re-registered")
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	s, _ := newScheduler(t)

	if err := s.register("probe", "@every 1h", func() {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	first := s.entries["probe"]
	if err := s.register("probe", "@every 2h", func() {}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if s.entries["probe"] == first {
		t.Error("entry not replaced")
	}
	if len(s.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(s.entries))
	}
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	s, _ := newScheduler(t)
	if err := s.register("bad", "not a cron spec", func() {}); err == nil {
		t.Error("expected error for malformed spec")
	}
}
