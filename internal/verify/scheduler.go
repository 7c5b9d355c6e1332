// Package verify drives the online-verify (OV) cron: one independent
// cron entry per device, each firing a verify run unless the same
// entry's previous start is still in progress. The actual OV sweep lives in worker.Scheduler's
// MakeOVRequest — this package only owns scheduling and the
// already-running guard, the same split the teacher's backup cron keeps
// between job scheduling and job execution.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Entry is one device's verify configuration.
type Entry struct {
	DeviceName string
	Schedule   string // standard 5-field cron expression
}

// Run wraps an entry with the execution guard state the scheduler
// consults before firing.
type Run struct {
	Entry      Entry
	mu         sync.Mutex
	running    bool
	LastResult *RunResult
}

// RunResult records the outcome of the most recent verify run.
type RunResult struct {
	Status      string // "failed" or "skipped"; a run that starts records no result
	Duration    time.Duration
	OutOfSync   bool
	CompletedAt time.Time
}

// StartFunc kicks off a verify run for deviceName. It should block until
// the run has committed to starting (or failed to), then return;
// MakeOVRequest's actual tick-by-tick sweep runs independently on the
// worker loop afterward.
type StartFunc func(ctx context.Context, deviceName string, logger *slog.Logger, run *Run) error

// Scheduler manages one cron entry per device, guarding each against
// overlapping runs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	runs   []*Run
}

// NewScheduler builds a Scheduler with one cron job per entry. start is
// invoked on each firing, serialized per device by the guard in Run.
func NewScheduler(entries []Entry, logger *slog.Logger, start StartFunc) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	for _, entry := range entries {
		run := &Run{Entry: entry}
		s.runs = append(s.runs, run)

		runRef := run
		entryRef := entry
		if _, err := c.AddFunc(entry.Schedule, func() {
			s.fire(runRef, entryRef, start)
		}); err != nil {
			return nil, fmt.Errorf("adding verify cron entry for device %q: %w", entry.DeviceName, err)
		}

		logger.Info("registered verify schedule", "device", entry.DeviceName, "schedule", entry.Schedule)
	}

	s.cron = c
	return s, nil
}

// Start begins firing cron entries.
func (s *Scheduler) Start() {
	s.logger.Info("verify scheduler started", "devices", len(s.runs))
	s.cron.Start()
}

// Stop halts the cron and waits (bounded by ctx) for in-flight runs.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("verify scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("verify scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("verify scheduler stop timed out")
	}
}

// Runs returns the scheduled entries and their last results.
func (s *Scheduler) Runs() []*Run {
	return s.runs
}

func (s *Scheduler) fire(run *Run, entry Entry, start StartFunc) {
	entryLogger := s.logger.With("device", entry.DeviceName)

	run.mu.Lock()
	if run.running {
		run.mu.Unlock()
		entryLogger.Warn("verify already running for device, skipping scheduled run")
		run.LastResult = &RunResult{Status: "skipped", CompletedAt: time.Now()}
		return
	}
	run.running = true
	run.mu.Unlock()

	defer func() {
		run.mu.Lock()
		run.running = false
		run.mu.Unlock()
	}()

	entryLogger.Info("scheduled verify triggered")
	begin := time.Now()

	err := start(context.Background(), entry.DeviceName, entryLogger, run)
	elapsed := time.Since(begin)

	if err != nil {
		entryLogger.Error("verify failed to start", "error", err, "duration", elapsed)
		run.LastResult = &RunResult{Status: "failed", Duration: elapsed, CompletedAt: time.Now()}
		return
	}
	entryLogger.Info("verify started", "duration", elapsed)
}
