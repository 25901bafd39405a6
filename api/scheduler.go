/*
scheduler.go - Background sweep scheduler

PURPOSE:
  Time and idle thresholds fire without any new claim arriving, and
  generation requests can be dropped by a full queue or lost to a restart.
  The scheduler calls Engine.Tick on an interval to cover both.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A tick that fails is logged; the next tick tries again

USAGE:
  scheduler := NewSweepScheduler(engine, time.Minute, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - engine/aggregator.go: Sweep
  - engine/dispatcher.go: Recover
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/claim-bucketing/engine"
)

// Ticker is the part of the engine the scheduler drives.
type Ticker interface {
	Tick(ctx context.Context) (routed, recovered int, err error)
}

var _ Ticker = (*engine.Engine)(nil)

type SweepScheduler struct {
	target        Ticker
	CheckInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweepScheduler(target Ticker, interval time.Duration, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepScheduler{
		target:        target,
		CheckInterval: interval,
		logger:        logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *SweepScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("sweep scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for a running tick to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("sweep scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SweepScheduler) tick(ctx context.Context) {
	routed, recovered, err := s.target.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		return
	}
	if routed > 0 || recovered > 0 {
		s.logger.Info("sweep finished", "routed", routed, "recovered", recovered)
	}
}
