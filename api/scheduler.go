/*
scheduler.go - Automated day-boundary sweep scheduler

PURPOSE:
  Periodically closes work sessions whose operator-local day has ended
  and records each run for audit and UI display.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start, so a restart after midnight catches up
  - The sweep itself is idempotent; overlapping triggers (ticker and
    POST /api/sweep) are serialized by runMu
  - Every run, failed or not, is recorded through generic.SweepLog

CONFIGURATION:
  - Interval: How often to check (default: 1 hour, SWEEP_INTERVAL)
  - Enabled: Whether scheduler is active (default: true, SWEEP_ENABLED)

USAGE:
  scheduler := NewSweepScheduler(sessions, store)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - worktime/sweep.go: the sweep
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/worktime"
)

// SweepScheduler runs the day-boundary sweep on a ticker.
type SweepScheduler struct {
	Engine   *worktime.Engine
	Runs     generic.SweepLog
	Interval time.Duration
	Enabled  bool
	Log      *slog.Logger

	ticker    *time.Ticker
	startedAt time.Time
	stop      chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(engine *worktime.Engine, runs generic.SweepLog) *SweepScheduler {
	return &SweepScheduler{
		Engine:   engine,
		Runs:     runs,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Log:      slog.Default(),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger().Info("sweep scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.startedAt = time.Now()
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger().Info("sweep scheduler started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger().Info("sweep scheduler stopped")
	}
}

func (s *SweepScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow sweeps immediately and records the run. The returned run is
// non-nil even when the sweep failed part way.
func (s *SweepScheduler) RunNow(ctx context.Context) (*generic.SweepRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	run := generic.SweepRun{ID: uuid.NewString(), StartedAt: time.Now()}
	closed, err := s.Engine.SweepNow(ctx)
	run.FinishedAt = time.Now()
	run.Closed = closed
	if err != nil {
		run.Error = err.Error()
		s.logger().Error("sweep failed", "run_id", run.ID, "closed", closed, "error", err)
	} else if closed > 0 {
		s.logger().Info("sweep closed sessions", "run_id", run.ID, "closed", closed)
	}

	if s.Runs != nil {
		if rerr := s.Runs.RecordSweepRun(ctx, run); rerr != nil {
			s.logger().Error("failed to record sweep run", "run_id", run.ID, "error", rerr)
		}
	}
	return &run, err
}

// NextRunTime returns when the ticker fires next, or the zero time when
// the scheduler is not running.
func (s *SweepScheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil || s.Interval <= 0 {
		return time.Time{}
	}
	ticks := time.Since(s.startedAt)/s.Interval + 1
	return s.startedAt.Add(ticks * s.Interval)
}

// Running reports whether the ticker loop is active.
func (s *SweepScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

func (s *SweepScheduler) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
