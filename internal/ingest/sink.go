package ingest

import (
	"context"
	"log/slog"
	"time"

	"threatwatch/internal/model"
)

type LogAppender interface {
	AppendLogs(ctx context.Context, events []model.LogEvent) ([]model.LogEvent, error)
}

// Sink batches events from the ingest channel into the log store.
type Sink struct {
	store         LogAppender
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger

	// OnFlush, when set, is called after every flush attempt.
	OnFlush func(stored int, err error)
}

func NewSink(store LogAppender, batchSize int, flushInterval time.Duration, logger *slog.Logger) *Sink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Sink{store: store, batchSize: batchSize, flushInterval: flushInterval, logger: logger}
}

// Run consumes in until it is closed or ctx is done. Pending events are
// flushed before returning.
func (s *Sink) Run(ctx context.Context, in <-chan model.LogEvent) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	batch := make([]model.LogEvent, 0, s.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		stored, err := s.store.AppendLogs(ctx, batch)
		if err != nil && s.logger != nil {
			s.logger.Error("log batch append failed", "count", len(batch), "err", err)
		}
		if s.OnFlush != nil {
			s.OnFlush(len(stored), err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				flush(ctx)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(drainCtx)
			cancel()
			return
		}
	}
}
