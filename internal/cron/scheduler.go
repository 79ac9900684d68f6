// Package cron drives the reconciliation loop: a fixed-interval tick
// plus optional named sweeps on cron expressions, which show up in the
// event log under their own tick reason.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/overseer"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Ticker is the slice of the overseer the scheduler drives.
type Ticker interface {
	Tick(ctx context.Context, reason string) (overseer.TickReport, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Ticker   Ticker
	Logger   *slog.Logger
	Interval time.Duration // reconcile interval; defaults to 30s if zero
	Sweeps   []config.SweepConfig
}

// sweep is a validated named schedule with its precomputed next run.
type sweep struct {
	name    string
	sched   cronlib.Schedule
	nextRun time.Time
}

// Scheduler fires the reconciliation tick at a fixed interval and any
// configured sweeps when their cron expressions come due.
type Scheduler struct {
	ticker   Ticker
	logger   *slog.Logger
	interval time.Duration
	sweeps   []*sweep

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler from the config. Sweeps with
// unparseable expressions are dropped with a warning rather than
// failing startup.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		ticker:   cfg.Ticker,
		logger:   logger,
		interval: interval,
	}
	now := time.Now()
	for _, sc := range cfg.Sweeps {
		parsed, err := cronParser.Parse(sc.CronExpr)
		if err != nil {
			logger.Warn("cron: dropping sweep with invalid expression",
				"sweep", sc.Name, "cron_expr", sc.CronExpr, "error", err)
			continue
		}
		s.sweeps = append(s.sweeps, &sweep{
			name:    sc.Name,
			sched:   parsed,
			nextRun: parsed.Next(now),
		})
	}
	return s
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "sweeps", len(s.sweeps))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Reconcile immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
			s.fireDueSweeps(ctx, time.Now())
		}
	}
}

// tick runs one scheduled reconciliation pass.
func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.ticker.Tick(ctx, "scheduled")
	if err != nil {
		s.logger.Error("cron: reconcile tick failed", "error", err)
		return
	}
	if report.Stalled > 0 || report.Redispatched > 0 || report.Escalated > 0 {
		s.logger.Info("cron: reconcile tick",
			"checked", report.Checked,
			"stalled", report.Stalled,
			"redispatched", report.Redispatched,
			"escalated", report.Escalated,
		)
	}
}

// fireDueSweeps runs any sweep whose next run time has passed, using
// the sweep name as the tick reason so sweeps are attributable in the
// event log.
func (s *Scheduler) fireDueSweeps(ctx context.Context, now time.Time) {
	for _, sw := range s.sweeps {
		if now.Before(sw.nextRun) {
			continue
		}
		sw.nextRun = sw.sched.Next(now)
		if _, err := s.ticker.Tick(ctx, sw.name); err != nil {
			s.logger.Error("cron: sweep failed", "sweep", sw.name, "error", err)
			continue
		}
		s.logger.Info("cron: sweep fired", "sweep", sw.name, "next_run_at", sw.nextRun)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
