package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

// idlePoll is how often a disabled scheduler rechecks analysis.interval.
const idlePoll = 30 * time.Second

// Scheduler runs incremental analysis every analysis.interval. A tick that
// lands while another run is active is skipped.
type Scheduler struct {
	analyzer *Analyzer
	cfg      *config.Manager
	logger   *slog.Logger
}

func NewScheduler(analyzer *Analyzer, cfg *config.Manager, logger *slog.Logger) *Scheduler {
	return &Scheduler{analyzer: analyzer, cfg: cfg, logger: logger}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.Run(ctx)
}

func (s *Scheduler) Run(ctx context.Context) {
	for {
		interval := s.cfg.Get().Analysis.Interval
		wait := interval
		if wait <= 0 {
			wait = idlePoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if interval <= 0 {
			continue
		}
		s.Tick(ctx)
	}
}

// Tick performs one scheduled run.
func (s *Scheduler) Tick(ctx context.Context) {
	_, err := s.analyzer.RunAnalysis(ctx, RunOptions{Mode: model.RunModeIncremental})
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrentRun):
		if s.logger != nil {
			s.logger.Debug("scheduled analysis skipped, run in progress")
		}
	default:
		if s.logger != nil {
			s.logger.Warn("scheduled analysis failed", "err", err)
		}
	}
}
