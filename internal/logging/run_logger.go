package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. NewRunLogger uses it to write simultaneously to the daemon's
// global handler and to a resync run's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the run's own file must not suppress the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewRunLogger builds a logger that writes both to baseLogger (the
// daemon's global stream) and to a file dedicated to one resync or
// verify run:
//
//	{runLogDir}/{deviceName}/{runID}.log
//
// Returns the combined logger, an io.Closer that must be closed (defer)
// when the run ends, and the file's path (runLogDir joined with the
// device name and run ID; absolute only when runLogDir is).
//
// If runLogDir is empty, NewRunLogger is a no-op: it returns baseLogger
// unmodified.
func NewRunLogger(baseLogger *slog.Logger, runLogDir, deviceName, runID string) (*slog.Logger, io.Closer, string, error) {
	if runLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(runLogDir, deviceName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating run log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, runID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening run log file %s: %w", logPath, err)
	}

	// The run's own file always captures at DEBUG regardless of the
	// daemon's configured level, since it exists for postmortems.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveRunLog deletes a completed run's dedicated log file. No-op if
// runLogDir is empty or the file does not exist.
func RemoveRunLog(runLogDir, deviceName, runID string) {
	if runLogDir == "" {
		return
	}
	logPath := filepath.Join(runLogDir, deviceName, runID+".log")
	os.Remove(logPath)
}
