package liveness

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
)

// Sweeper periodically deactivates workers that stopped heartbeating.
// Deactivation only flips is_active; jobs claimed by the worker keep
// their state until the worker returns or an operator intervenes.
type Sweeper struct {
	workers    interfaces.WorkerStorage
	staleAfter time.Duration
	schedule   string
	cron       *cron.Cron
	logger     arbor.ILogger
}

// NewSweeper creates a sweeper. schedule is a cron expression; staleAfter
// is how long a worker may stay silent before being marked inactive.
func NewSweeper(workers interfaces.WorkerStorage, schedule string, staleAfter time.Duration, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		workers:    workers,
		staleAfter: staleAfter,
		schedule:   schedule,
		logger:     logger,
	}
}

// Start schedules the sweep and runs one pass immediately so a restarted
// manager does not advertise workers that died while it was down.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.sweep()

	s.logger.Info().
		Str("schedule", s.schedule).
		Str("stale_after", s.staleAfter.String()).
		Msg("Worker liveness sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) sweep() {
	threshold := time.Now().Add(-s.staleAfter)
	flipped, err := s.workers.MarkStaleInactive(context.Background(), threshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("Liveness sweep failed")
		return
	}
	if flipped > 0 {
		s.logger.Warn().
			Int("deactivated", flipped).
			Msg("Marked stale workers inactive")
	}
}
