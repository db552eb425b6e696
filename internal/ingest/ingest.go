package ingest

import (
	"context"
	"log/slog"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.LogEvent, ev model.LogEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "user_id", ev.UserID, "timestamp", ev.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleLine runs one raw line through parse and normalize and forwards the
// event. It reports whether an event was queued.
func handleLine(ctx context.Context, source string, line string, received time.Time, cfg *config.Manager, parser *Parser, out chan<- model.LogEvent, logger *slog.Logger) bool {
	ev, ok := parseLine(source, line, received, cfg, parser, logger)
	if !ok {
		return false
	}
	return SendNonBlocking(ctx, out, ev, logger)
}

// parseLine turns one raw line into an event. received stamps lines that
// carry no timestamp. Bad lines are logged and dropped.
func parseLine(source string, line string, received time.Time, cfg *config.Manager, parser *Parser, logger *slog.Logger) (model.LogEvent, bool) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return model.LogEvent{}, false
	}
	ev, err := normalize.Normalize(*fields, normalize.Location(cfg.Get().Ingest.Parser.Timezone), received)
	if err != nil {
		if logger != nil {
			logger.Warn("normalize error", "source", source, "err", err)
		}
		return model.LogEvent{}, false
	}
	return ev, true
}
