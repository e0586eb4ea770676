package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"authguard/internal/config"
	"authguard/internal/model"
	"authguard/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.Report, r model.Report, logger *slog.Logger) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("report channel full, dropping report", "origin", r.Origin, "kind", r.Kind, "source", r.Source)
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

// toReport parses and normalizes one line. Successful logins and lines that
// carry no usable event are dropped.
func toReport(cfg *config.Manager, parser *Parser, logger *slog.Logger, source, line string) (model.Report, bool) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return model.Report{}, false
	}
	r, err := normalize.Normalize(*fields, cfg.Get())
	if err != nil {
		if !errors.Is(err, normalize.ErrNotSecurityEvent) && logger != nil {
			logger.Debug("normalize error", "source", source, "err", err)
		}
		return model.Report{}, false
	}
	r.Source = source
	return r, true
}

func processLine(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Report, logger *slog.Logger, source, line string) {
	if r, ok := toReport(cfg, parser, logger, source, line); ok {
		SendNonBlocking(ctx, out, r, logger)
	}
}
