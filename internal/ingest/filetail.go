package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.LogEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := newTailer(path, current.PollInterval, cfg, out, logger)
		go t.run(ctx, current.StartAtEnd)
	}
}

// tailer follows one log file across rotation. A rename-and-recreate is
// detected by file identity, a copy-truncate by the size dropping below the
// read offset.
type tailer struct {
	path   string
	poll   time.Duration
	cfg    *config.Manager
	parser *Parser
	out    chan<- model.LogEvent
	logger *slog.Logger

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial string
}

func newTailer(path string, poll time.Duration, cfg *config.Manager, out chan<- model.LogEvent, logger *slog.Logger) *tailer {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	// one parser per file: CSV headers are per stream
	return &tailer{path: path, poll: poll, cfg: cfg, parser: NewParser(), out: out, logger: logger}
}

func (t *tailer) run(ctx context.Context, startAtEnd bool) {
	defer t.close()
	seekEnd := startAtEnd
	for ctx.Err() == nil {
		if t.file == nil {
			if err := t.open(seekEnd); err != nil {
				if t.logger != nil {
					t.logger.Warn("tail open failed", "path", t.path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			// a file that replaces a rotated one is read from the top
			seekEnd = false
		}
		if err := t.drain(ctx); err != nil {
			if t.logger != nil {
				t.logger.Warn("tail read error", "path", t.path, "err", err)
			}
			t.close()
			continue
		}
		if !BackoffSleep(ctx, t.poll) {
			return
		}
		if t.rotated() {
			if t.logger != nil {
				t.logger.Info("tail file rotated", "path", t.path, "offset", t.offset)
			}
			_ = t.drain(ctx)
			t.flushPartial(ctx)
			t.close()
		}
	}
}

func (t *tailer) open(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	t.file, t.info, t.offset, t.partial = f, info, 0, ""
	if seekEnd {
		if pos, err := f.Seek(0, io.SeekEnd); err == nil {
			t.offset = pos
		}
	}
	t.reader = bufio.NewReader(f)
	return nil
}

// drain forwards every complete line currently readable and keeps a trailing
// fragment until its newline arrives.
func (t *tailer) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		line, err := t.reader.ReadString('\n')
		t.offset += int64(len(line))
		if err != nil {
			t.partial += line
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = t.partial + line
		t.partial = ""
		handleLine(ctx, "file_tail", line, time.Now(), t.cfg, t.parser, t.out, t.logger)
	}
	return nil
}

func (t *tailer) flushPartial(ctx context.Context) {
	if t.partial == "" {
		return
	}
	handleLine(ctx, "file_tail", t.partial, time.Now(), t.cfg, t.parser, t.out, t.logger)
	t.partial = ""
}

// rotated reports whether path now names another file or the file shrank.
// A path that is briefly missing keeps the current handle.
func (t *tailer) rotated() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	return !os.SameFile(info, t.info) || info.Size() < t.offset
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
	}
	t.file, t.info, t.reader = nil, nil, nil
}
