/*
scheduler.go - Automated daily accrual scheduler

PURPOSE:
  Periodically invokes the accrual runner so every active salaried
  account is credited its pro-rated daily amount without operator
  action.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each tick runs the batch for the current date; the runner's
    completed-run check makes repeated ticks within a day no-ops
  - A missed day (process down at midnight) is picked up by the next
    tick after restart only for the current date; older days are
    backfilled manually via POST /api/accrual/run with force

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAccrualScheduler(runner, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maktab/ledger-engine/ledger"
)

// AccrualScheduler drives the daily accrual batch automatically.
type AccrualScheduler struct {
	Runner        *ledger.AccrualRunner
	Log           *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAccrualScheduler creates a new scheduler.
func NewAccrualScheduler(runner *ledger.AccrualRunner, log *zap.Logger) *AccrualScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccrualScheduler{
		Runner:        runner,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("accrual scheduler disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.Log.Info("accrual scheduler started",
		zap.Duration("check_interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Log.Info("accrual scheduler stopped")
	}
}

func (s *AccrualScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.runOnce()

	for {
		select {
		case <-s.ticker.C:
			s.runOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *AccrualScheduler) runOnce() {
	ctx := context.Background()
	date := ledger.Today()

	run, err := s.Runner.Run(ctx, date, false)
	if err != nil {
		s.Log.Error("scheduled accrual failed",
			zap.String("run_date", date.String()), zap.Error(err))
		return
	}

	if run.AccountsProcessed > 0 || run.AccountsFailed > 0 {
		s.Log.Info("scheduled accrual done",
			zap.String("run_date", date.String()),
			zap.Int("processed", run.AccountsProcessed),
			zap.Int("failed", run.AccountsFailed))
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (s *AccrualScheduler) RunNow() {
	s.runOnce()
}
