package sla

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepBatch caps how many open cases one sweep examines.
const sweepBatch = 1000

// Sweeper runs CheckBreaches over all open cases on a cron schedule.
type Sweeper struct {
	engine   *Engine
	schedule cron.Schedule
	logger   *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewSweeper parses a standard 5-field cron expression.
func NewSweeper(engine *Engine, spec string, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("sla: parse sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{engine: engine, schedule: sched, logger: logger, done: make(chan struct{})}, nil
}

// Start launches the sweep loop. Later calls are no-ops.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

// Stop halts the loop and waits for an in-flight sweep or ctx expiry.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	} else {
		s.once.Do(func() { close(s.done) })
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("sla sweep: stop timed out")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	for {
		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			n, err := s.Sweep(sweepCtx)
			cancel()
			if err != nil {
				s.logger.Warn("sla sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("sla sweep recorded breaches", "count", n)
			}
		}
	}
}

// Sweep checks every open case once and returns the number of new breaches.
// A failing case is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	open, err := s.engine.store.ListOpenCases(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("sla: sweep: %w", err)
	}
	now := s.engine.now()
	total := 0
	for _, c := range open {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		recorded, err := s.engine.CheckBreaches(ctx, c.ID, now)
		if err != nil {
			s.logger.Warn("sla sweep: check failed", "case_id", c.ID, "error", err)
			continue
		}
		total += len(recorded)
	}
	return total, nil
}
