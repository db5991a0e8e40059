// Package scheduler drives the wall-clock jobs: per-group MIS
// square-offs, the every-minute square-off backup, nightly T+1
// settlement, the weekly funds reset and the periodic execution and
// MTM ticks. All cron expressions are evaluated in the configured
// timezone.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/engine"
	"github.com/seenimoa/sandbox/internal/instrument"
	"github.com/seenimoa/sandbox/internal/settlement"
	"github.com/seenimoa/sandbox/pkg/utils"
)

// Scheduler owns the cron runner and keeps its schedule in sync with
// the runtime config.
type Scheduler struct {
	cron *cron.Cron
	cfg  *config.Store
	loc  *time.Location
	log  *zap.SugaredLogger

	engine    *engine.Engine
	squareOff *settlement.SquareOff
	t1        *settlement.T1Settler
	resetter  *settlement.Resetter

	mu      sync.Mutex
	entries map[string]cron.EntryID

	// lastResetWeek guards against a duplicate weekly reset if the
	// schedule is rebuilt around the firing instant.
	lastResetWeek string
}

// New builds the scheduler. Jobs are registered by Start.
func New(cfg *config.Store, loc *time.Location, eng *engine.Engine, so *settlement.SquareOff, t1 *settlement.T1Settler, rs *settlement.Resetter, log *zap.SugaredLogger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		cfg:       cfg,
		loc:       loc,
		log:       log,
		engine:    eng,
		squareOff: so,
		t1:        t1,
		resetter:  rs,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start registers every job and starts the cron runner. Config hooks
// keep time-dependent jobs in sync with later writes.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, group := range instrument.Groups() {
		if err := s.registerSquareOff(ctx, group); err != nil {
			return err
		}
	}
	if err := s.register("squareoff_backup", "* * * * *", func() {
		s.squareOff.RunBackup(ctx)
	}); err != nil {
		return err
	}
	if err := s.register("t1_settlement", "0 0 * * *", func() {
		s.t1.Run(ctx)
	}); err != nil {
		return err
	}
	if err := s.registerAutoReset(ctx); err != nil {
		return err
	}
	if err := s.registerExecution(ctx); err != nil {
		return err
	}
	if err := s.registerMTM(ctx); err != nil {
		return err
	}

	s.cfg.OnChange(func(key, _ string) {
		var err error
		switch key {
		case config.KeyNSEBSESquareOffTime:
			err = s.registerSquareOff(ctx, instrument.GroupNSEBSE)
		case config.KeyCDSBCDSquareOffTime:
			err = s.registerSquareOff(ctx, instrument.GroupCDSBCD)
		case config.KeyMCXSquareOffTime:
			err = s.registerSquareOff(ctx, instrument.GroupMCX)
		case config.KeyNCDEXSquareOffTime:
			err = s.registerSquareOff(ctx, instrument.GroupNCDEX)
		case config.KeyResetDay, config.KeyResetTime:
			err = s.registerAutoReset(ctx)
		case config.KeyOrderCheckInterval:
			err = s.registerExecution(ctx)
		case config.KeyMTMUpdateInterval:
			err = s.registerMTM(ctx)
		default:
			return
		}
		if err != nil {
			s.log.Errorw("rescheduling after config change failed", "key", key, "error", err)
		}
	})

	s.cron.Start()
	s.log.Infow("scheduler started", "jobs", len(s.entries), "timezone", s.loc.String())
	return nil
}

// Stop halts the runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Infow("scheduler stopped")
}

func (s *Scheduler) registerSquareOff(ctx context.Context, group instrument.Group) error {
	hh, mm, err := utils.ParseHHMM(s.cfg.Get(group.CutoffConfigKey()))
	if err != nil {
		return fmt.Errorf("square-off time for %s: %w", group, err)
	}
	name := "squareoff_" + string(group)
	return s.register(name, fmt.Sprintf("%d %d * * *", mm, hh), func() {
		s.squareOff.Run(ctx, group)
	})
}

func (s *Scheduler) registerAutoReset(ctx context.Context) error {
	day, err := utils.WeekdayFromName(s.cfg.Get(config.KeyResetDay))
	if err != nil {
		return fmt.Errorf("reset day: %w", err)
	}
	hh, mm, err := utils.ParseHHMM(s.cfg.Get(config.KeyResetTime))
	if err != nil {
		return fmt.Errorf("reset time: %w", err)
	}
	return s.register("auto_reset", fmt.Sprintf("%d %d * * %d", mm, hh, int(day)), func() {
		week := isoWeek(time.Now().In(s.loc))
		s.mu.Lock()
		if s.lastResetWeek == week {
			s.mu.Unlock()
			s.log.Infow("auto reset already ran this week, skipping", "week", week)
			return
		}
		s.lastResetWeek = week
		s.mu.Unlock()

		if _, err := s.resetter.ResetAll(ctx); err != nil {
			s.log.Errorw("auto reset failed", "error", err)
		}
	})
}

func (s *Scheduler) registerExecution(ctx context.Context) error {
	interval := s.cfg.Int(config.KeyOrderCheckInterval)
	if interval < 1 {
		interval = 5
	}
	return s.register("execution_engine", fmt.Sprintf("@every %ds", interval), func() {
		s.engine.Tick(ctx)
	})
}

func (s *Scheduler) registerMTM(ctx context.Context) error {
	interval := s.cfg.Int(config.KeyMTMUpdateInterval)
	if interval == 0 {
		s.remove("mtm")
		s.log.Infow("mtm refresh disabled")
		return nil
	}
	return s.register("mtm", fmt.Sprintf("@every %ds", interval), func() {
		s.engine.RefreshMTM(ctx)
	})
}

// register replaces any existing job under the same name.
func (s *Scheduler) register(name, spec string, fn func()) error {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", name, spec, err)
	}
	s.mu.Lock()
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	s.mu.Unlock()
	s.log.Infow("job scheduled", "job", name, "spec", spec)
	return nil
}

func (s *Scheduler) remove(name string) {
	s.mu.Lock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	s.mu.Unlock()
}

func isoWeek(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// cronLogger adapts the zap logger to the cron.Logger interface.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
