package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"authguard/internal/config"
	"authguard/internal/model"
)

const sourceFileTail = "file_tail"

func StartFileTail(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Report, logger *slog.Logger) {
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
		t := &tailer{path: path, startAtEnd: current.StartAtEnd, logger: logger}
		go t.run(ctx, func(line string) {
			processLine(ctx, cfg, parser, out, logger, sourceFileTail, line)
		})
	}
}

// tailer follows a file across truncation and rotation. Only the first open
// honours startAtEnd; a rotated-in file is read from the beginning.
type tailer struct {
	path       string
	startAtEnd bool
	logger     *slog.Logger

	file    *os.File
	info    os.FileInfo
	offset  int64
	opened  bool
	pending string
}

func (t *tailer) run(ctx context.Context, emit func(string)) {
	defer t.close()
	for {
		if ctx.Err() != nil {
			return
		}
		if t.file == nil {
			if err := t.open(); err != nil {
				if t.logger != nil {
					t.logger.Warn("tail open failed", "path", t.path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
		}
		if !t.drain(ctx, emit) {
			return
		}
	}
}

func (t *tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	t.file, t.info, t.offset, t.pending = f, info, 0, ""
	if t.startAtEnd && !t.opened {
		if pos, err := f.Seek(0, io.SeekEnd); err == nil {
			t.offset = pos
		}
	}
	t.opened = true
	return nil
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

// drain reads until the file is rotated, truncated or fails. It returns
// false when ctx is cancelled.
func (t *tailer) drain(ctx context.Context, emit func(string)) bool {
	reader := bufio.NewReader(t.file)
	for {
		chunk, err := reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err == nil {
			emit(t.pending + chunk)
			t.pending = ""
			continue
		}
		if err != io.EOF {
			if t.logger != nil {
				t.logger.Warn("tail read error", "path", t.path, "err", err)
			}
			t.close()
			return true
		}
		// partial line, wait for the rest
		t.pending += chunk
		if !BackoffSleep(ctx, 200*time.Millisecond) {
			return false
		}
		if t.replaced() {
			if t.pending != "" {
				emit(t.pending)
			}
			t.close()
			return true
		}
	}
}

func (t *tailer) replaced() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	if !os.SameFile(info, t.info) {
		if t.logger != nil {
			t.logger.Info("tail file rotated", "path", t.path)
		}
		return true
	}
	if info.Size() < t.offset {
		if t.logger != nil {
			t.logger.Info("tail file truncated", "path", t.path)
		}
		return true
	}
	return false
}
