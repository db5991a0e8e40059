// Package sandbox assembles the simulated brokerage: storage, runtime
// config, ledger, market data, matching engine, order manager, the
// scheduled sweeps and their lifecycle.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/engine"
	"github.com/seenimoa/sandbox/internal/instrument"
	"github.com/seenimoa/sandbox/internal/ledger"
	"github.com/seenimoa/sandbox/internal/marketdata"
	"github.com/seenimoa/sandbox/internal/orders"
	"github.com/seenimoa/sandbox/internal/positions"
	"github.com/seenimoa/sandbox/internal/scheduler"
	"github.com/seenimoa/sandbox/internal/settlement"
	"github.com/seenimoa/sandbox/internal/store"
)

// App is the assembled sandbox.
type App struct {
	Cfg     *config.Config
	Log     *zap.SugaredLogger
	Store   *store.Store
	Runtime *config.Store

	Provider  *marketdata.SimProvider
	Fetcher   *marketdata.Fetcher
	Ledger    *ledger.Ledger
	Margin    *instrument.Calculator
	Positions *positions.Manager
	Engine    *engine.Engine
	Orders    *orders.Manager
	SquareOff *settlement.SquareOff
	T1        *settlement.T1Settler
	Resetter  *settlement.Resetter
	Scheduler *scheduler.Scheduler

	Location *time.Location

	baseLog *zap.Logger
}

// New builds the whole object graph. Nothing is running until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	baseLog, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger setup failed: %w", err)
	}
	log := baseLog.Sugar()

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	runtime, err := config.NewStore(ctx, st, log.Named("config"))
	if err != nil {
		st.Close()
		return nil, err
	}

	provider := marketdata.NewSimProvider()
	fetcher := marketdata.NewFetcher(provider, cfg.Limits.QuotesPerSecond, log.Named("marketdata"))

	lg := ledger.New(st, runtime, log.Named("ledger"))
	margin := instrument.NewCalculator(runtime, provider)
	pm := positions.NewManager(st, lg, log.Named("positions"))
	eng := engine.New(st, lg, pm, fetcher, cfg.Limits.FillsPerSecond, log.Named("engine"))
	om := orders.NewManager(st, lg, pm, margin, fetcher, runtime, provider, eng, loc, log.Named("orders"))

	so := settlement.NewSquareOff(st, om, runtime, loc, log.Named("squareoff"))
	t1 := settlement.NewT1Settler(st, lg, loc, log.Named("t1"))
	rs := settlement.NewResetter(st, lg, log.Named("reset"))
	sched := scheduler.New(runtime, loc, eng, so, t1, rs, log.Named("scheduler"))

	// A starting-capital change rebases every existing funds row.
	runtime.OnChange(func(key, value string) {
		if key != config.KeyStartingCapital {
			return
		}
		if err := lg.RebaseCapital(context.Background(), runtime.Decimal(key)); err != nil {
			log.Errorw("capital rebase failed", "error", err)
		}
	})

	return &App{
		Cfg:       cfg,
		Log:       log,
		Store:     st,
		Runtime:   runtime,
		Provider:  provider,
		Fetcher:   fetcher,
		Ledger:    lg,
		Margin:    margin,
		Positions: pm,
		Engine:    eng,
		Orders:    om,
		SquareOff: so,
		T1:        t1,
		Resetter:  rs,
		Scheduler: sched,
		Location:  loc,
		baseLog:   baseLog,
	}, nil
}

// SetNotifier wires the order-event sink into both fill paths.
func (a *App) SetNotifier(n engine.Notifier) {
	a.Engine.SetNotifier(n)
	a.Orders.SetNotifier(n)
}

// Start runs the startup catch-up and brings up the scheduler. The T+1
// sweep runs first so positions that aged past midnight while the
// process was down settle before any new trading.
func (a *App) Start(ctx context.Context) error {
	a.T1.Run(ctx)
	a.SquareOff.RunBackup(ctx)
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	a.Log.Infow("sandbox started",
		"db", a.Cfg.Database.Path, "timezone", a.Location.String())
	return nil
}

// Stop shuts down the scheduler, flushes logs and closes storage.
func (a *App) Stop() {
	a.Scheduler.Stop()
	if err := a.Store.Close(); err != nil {
		a.Log.Errorw("closing database failed", "error", err)
	}
	a.baseLog.Sync() //nolint:errcheck
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Logging.Level, err)
	}
	zc.Level = level
	return zc.Build()
}
