/**
 * @description
 * This file wires the scheduled transfer sweep into a cron runner. The chain
 * enforces single-flight execution (a slow sweep skips the next tick instead
 * of overlapping with it) and recovers panics so one bad sweep cannot take
 * the scheduler down.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling.
 * - log/slog: Structured logging behind cron's logger interface.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler periodically invokes the processor's sweep.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler registers the sweep at the given cron spec (e.g. "@every 1m").
func NewScheduler(processor *Processor, spec string, logger *slog.Logger) (*Scheduler, error) {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	_, err := c.AddFunc(spec, func() {
		processor.Tick(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("register sweep job %q: %w", spec, err)
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("scheduled transfer sweep started")
	s.cron.Start()
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduled transfer sweep stopped")
}
