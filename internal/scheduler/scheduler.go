// Package scheduler drives the game clock: it calls the engine's round
// advance on a fixed interval, one tick at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradegame/market-engine/internal/engine"
	"github.com/tradegame/market-engine/internal/metrics"
)

// DefaultInterval is the time between two rounds.
const DefaultInterval = 180 * time.Second

// Advancer runs one round of the game.
type Advancer interface {
	AdvanceRound(ctx context.Context) (*engine.RoundReport, error)
}

// Scheduler ticks an Advancer. A tick that is still running when the next
// one fires causes that next tick to be skipped.
type Scheduler struct {
	adv      Advancer
	interval time.Duration
	locker   Locker
	logger   *slog.Logger

	running sync.Mutex
}

// New creates a Scheduler. A nil locker runs every tick locally; a
// non-positive interval selects DefaultInterval.
func New(adv Advancer, interval time.Duration, locker Locker, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{adv: adv, interval: interval, locker: locker, logger: logger}
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("round scheduler started", "interval", s.interval.String(), "distributed", s.locker != nil)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("round scheduler stopped")
			return
		case <-ticker.C:
			_, _ = s.Tick(ctx)
		}
	}
}

// Tick runs a single round advance unless one is already in flight or
// another replica holds the round lock. It reports whether a round ran.
// Errors and panics are logged and counted, never propagated to Run.
func (s *Scheduler) Tick(ctx context.Context) (ran bool, err error) {
	if !s.running.TryLock() {
		s.logger.Warn("previous round still running, skipping tick")
		return false, nil
	}
	defer s.running.Unlock()

	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, s.interval)
		if err != nil {
			metrics.TickFailures.Inc()
			s.logger.Error("round lock failed", "err", err)
			return false, err
		}
		if !ok {
			s.logger.Debug("round lock held elsewhere, skipping tick")
			return false, nil
		}
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.TickFailures.Inc()
			err = fmt.Errorf("round panicked: %v", r)
			s.logger.Error("round tick panicked", "panic", r)
		}
	}()

	report, err := s.adv.AdvanceRound(ctx)
	if err != nil {
		metrics.TickFailures.Inc()
		s.logger.Error("round tick failed", "err", err)
		return false, err
	}
	s.logger.Info("round tick complete", "round", report.Round, "players", report.PlayersAdvanced)
	return true, nil
}
