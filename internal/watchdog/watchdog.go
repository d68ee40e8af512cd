// Package watchdog periodically scans the in-flight set for tasks that
// have overrun their configured timeout and forces them through the
// engine's failure-recording path, catching the case a task's own
// context-deadline enforcement misses (a handler that ignores ctx, or a
// worker process that died without releasing its in-flight entry).
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/engine"
)

// Watchdog runs the periodic sweep described in spec.md §4.6.
type Watchdog struct {
	Backend  backend.Backend
	Engine   *engine.Engine
	Interval time.Duration
	Logger   *slog.Logger
}

// New constructs a Watchdog with a default 5s sweep interval.
func New(be backend.Backend, e *engine.Engine, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{Backend: be, Engine: e, Interval: 5 * time.Second, Logger: logger}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	inFlight, err := w.Backend.InFlight(ctx)
	if err != nil {
		w.Logger.Error("watchdog sweep: list in-flight failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, qt := range inFlight {
		t, ok, err := w.Backend.GetTaskByID(ctx, qt.RunID, qt.TaskID)
		if err != nil {
			w.Logger.Error("watchdog sweep: task lookup failed", "run_id", qt.RunID, "task_id", qt.TaskID, "error", err)
			continue
		}
		if !ok || t.Options.Timeout == nil {
			continue
		}
		if now.Sub(qt.QueuedAt) <= time.Duration(*t.Options.Timeout) {
			continue
		}

		w.Logger.Warn("task timed out", "run_id", qt.RunID, "task_id", qt.TaskID, "queued_at", qt.QueuedAt)
		if err := w.Engine.FailTimeout(ctx, qt); err != nil {
			w.Logger.Error("watchdog sweep: fail-timeout failed", "run_id", qt.RunID, "task_id", qt.TaskID, "error", err)
		}
	}
}

