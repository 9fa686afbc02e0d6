package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veille-labs/courant/internal/config"
	"github.com/veille-labs/courant/internal/consolidation"
	"github.com/veille-labs/courant/internal/events"
	"github.com/veille-labs/courant/internal/runs"
	"github.com/veille-labs/courant/internal/trends"
)

// Scheduler ticks the periodic passes and queues them on the pool. The
// active run is resolved when a task executes, not when it is queued,
// so a promotion between tick and execution is honored.
type Scheduler struct {
	pool         *Pool
	runs         *runs.Manager
	spaceID      int64
	consolidator *consolidation.Consolidator
	trends       *trends.Calculator
	detector     *events.Detector
	cfg          config.ScheduleConfig
}

// NewScheduler wires the periodic passes for one embedding space.
func NewScheduler(
	pool *Pool,
	manager *runs.Manager,
	spaceID int64,
	consolidator *consolidation.Consolidator,
	calculator *trends.Calculator,
	detector *events.Detector,
	cfg config.ScheduleConfig,
) *Scheduler {
	return &Scheduler{
		pool:         pool,
		runs:         manager,
		spaceID:      spaceID,
		consolidator: consolidator,
		trends:       calculator,
		detector:     detector,
		cfg:          cfg,
	}
}

// Run blocks, queueing passes on their cadence until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	consolidate := ticker(s.cfg.ConsolidateEvery, 15)
	sample := ticker(s.cfg.TrendsEvery, 5)
	detect := ticker(s.cfg.DetectEvery, 5)
	defer consolidate.Stop()
	defer sample.Stop()
	defer detect.Stop()

	log.Info().
		Int("consolidate_every_min", s.cfg.ConsolidateEvery).
		Int("trends_every_min", s.cfg.TrendsEvery).
		Int("detect_every_min", s.cfg.DetectEvery).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-consolidate.C:
			s.submit("consolidate", func(ctx context.Context, runID int64) error {
				return s.consolidator.Run(ctx, runID)
			})
		case <-sample.C:
			s.submit("trends", func(ctx context.Context, runID int64) error {
				return s.trends.Sample(ctx, runID)
			})
		case <-detect.C:
			s.submit("detect", func(ctx context.Context, runID int64) error {
				_, err := s.detector.Detect(ctx, runID)
				return err
			})
		}
	}
}

func (s *Scheduler) submit(name string, fn func(ctx context.Context, runID int64) error) {
	s.pool.Submit(Task{Name: name, Fn: func(ctx context.Context) error {
		run, err := s.runs.ActiveRun(ctx, s.spaceID)
		if err != nil {
			return err
		}
		return fn(ctx, run.ID)
	}})
}

func ticker(minutes, fallback int) *time.Ticker {
	if minutes <= 0 {
		minutes = fallback
	}
	return time.NewTicker(time.Duration(minutes) * time.Minute)
}
