// Package engine implements the execution engine: the tick protocol that
// pops ready tasks, resolves their template args, dispatches them as an
// in-process registered function or an external command,
// records the result, and propagates completion to downstream tasks
// according to their trigger rule.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/errkind"
	"github.com/pipelinetool/pipelinetool/internal/metrics"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// Engine operates a single run. It holds no long-lived per-run state
// beyond what the backend holds, so it is restart-safe: any worker can
// pick up a Tick call against the same backend at any time.
type Engine struct {
	Backend  backend.Backend
	Registry map[string]task.Handler
	Logger   *slog.Logger
	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *metrics.Exporter

	// BackendRetryAttempts bounds the exponential-backoff retry applied
	// around an errkind.BackendError raised while popping the priority
	// queue, before the tick aborts the worker (spec.md §7: "BackendError
	// inside the engine is retried with bounded backoff; persistent
	// failure aborts the worker").
	BackendRetryAttempts  int
	BackendRetryBaseDelay time.Duration
	BackendRetryMaxDelay  time.Duration
}

// New constructs an Engine. A nil logger falls back to slog.Default().
func New(be backend.Backend, registry map[string]task.Handler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Backend:               be,
		Registry:              registry,
		Logger:                logger,
		BackendRetryAttempts:  5,
		BackendRetryBaseDelay: 100 * time.Millisecond,
		BackendRetryMaxDelay:  2 * time.Second,
	}
}

// TickResult reports what a single Tick call did, for the worker pool's
// termination check and for metrics.
type TickResult struct {
	Popped    bool
	Done      bool // run reached a global terminal state: nothing queued, nothing in-flight
	TaskID    int
	Status    task.TaskStatus
}

// Tick performs one iteration of the worker loop (spec.md §4.3).
func (e *Engine) Tick(ctx context.Context, runID int64, run task.Run) (TickResult, error) {
	qt, ok, err := e.popWithRetry(ctx)
	if err != nil {
		return TickResult{}, &errkind.BackendError{Code: "PopFailure", Message: err.Error(), Cause: err}
	}
	if e.Metrics != nil {
		if n, err := e.Backend.QueueLength(ctx); err == nil {
			e.Metrics.SetQueueDepth(n)
		}
	}
	if !ok {
		done, err := e.isGloballyDone(ctx, runID)
		if err != nil {
			return TickResult{}, err
		}
		return TickResult{Popped: false, Done: done}, nil
	}

	result := e.runOne(ctx, runID, run, *qt)
	return result, nil
}

// popWithRetry pops the priority queue, retrying an errkind.BackendError
// with bounded exponential backoff before giving up. Any other error (or a
// context cancellation mid-wait) is returned immediately.
func (e *Engine) popWithRetry(ctx context.Context) (*task.QueuedTask, bool, error) {
	attempts := e.BackendRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := e.BackendRetryBaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxDelay := e.BackendRetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		qt, ok, err := e.Backend.PopPriorityQueue(ctx)
		if err == nil {
			return qt, ok, nil
		}
		var backendErr *errkind.BackendError
		if !errors.As(err, &backendErr) {
			return nil, false, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		e.Logger.Warn("backend pop failed, retrying with backoff", "attempt", attempt, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, false, lastErr
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, false, lastErr
}

func (e *Engine) runOne(ctx context.Context, runID int64, run task.Run, qt task.QueuedTask) TickResult {
	taskID := qt.TaskID
	logger := e.Logger.With("run_id", runID, "task_id", taskID, "attempt", qt.Attempt)

	t, ok, err := e.Backend.GetTaskByID(ctx, runID, taskID)
	if err != nil || !ok {
		logger.Error("task lookup failed", "error", err)
		return TickResult{Popped: true, TaskID: taskID}
	}

	status, err := e.Backend.GetTaskStatus(ctx, runID, taskID)
	if err != nil {
		logger.Error("status lookup failed", "error", err)
		return TickResult{Popped: true, TaskID: taskID}
	}
	if status == task.Skipped {
		// A run-wide cancellation marked this Skipped between enqueue and
		// pop; abort before dispatch (spec.md §5 cancellation semantics).
		_ = e.Backend.RemoveFromTempQueue(ctx, runID, taskID)
		return TickResult{Popped: true, TaskID: taskID, Status: task.Skipped}
	}

	if err := Transition(ctx, e.Backend, runID, taskID, task.Queued, task.Running); err != nil {
		logger.Error("transition to running failed", "error", err)
		return TickResult{Popped: true, TaskID: taskID}
	}

	args, err := ResolveArgs(ctx, e.Backend, runID, t, run.TriggerParams)
	if err != nil {
		e.recordFailureAndAdvance(ctx, runID, t, qt, args, err, time.Now().UTC(), true, dispatchOutcome{})
		return TickResult{Popped: true, TaskID: taskID, Status: task.Failure}
	}
	_ = e.Backend.SetTemplateArgs(ctx, runID, taskID, args)

	if e.Metrics != nil {
		e.Metrics.ObserveDispatch(run.PipelineName, t.FunctionRef)
	}

	start := time.Now().UTC()
	dctx, cancel := withTimeout(ctx, t)
	var outcome dispatchOutcome
	if t.IsCommand() {
		env := map[string]string{}
		outcome = e.dispatchCommand(dctx, runID, t, args, env)
	} else {
		outcome = e.dispatchFunction(t, args)
		if dctx.Err() != nil {
			outcome.err = &errkind.TaskTimeout{TaskID: taskID}
			outcome.success = false
		}
	}
	cancel()
	end := time.Now().UTC()

	// Sensor re-poll: falsy/null result without error re-enqueues the
	// same attempt (no attempt increment) after retry_delay.
	if t.Options.IsSensor && !outcome.success && outcome.err == nil {
		_ = Transition(ctx, e.Backend, runID, taskID, task.Running, task.Retrying)
		e.reenqueueAfterDelay(ctx, runID, t, qt, qt.Attempt)
		return TickResult{Popped: true, TaskID: taskID, Status: task.Retrying}
	}

	if outcome.err != nil || !outcome.success {
		e.recordFailureAndAdvance(ctx, runID, t, qt, args, outcome.err, start, true, outcome)
		return TickResult{Popped: true, TaskID: taskID, Status: task.Failure}
	}

	// Success path.
	res := task.TaskResult{
		TaskID:       taskID,
		Attempt:      qt.Attempt,
		MaxAttempts:  t.Options.MaxAttempts,
		FunctionName: t.FunctionRef,
		Success:      true,
		Result:       outcome.value,
		ResolvedArgs: args,
		StdoutTail:   tail(outcome.stdout),
		StderrTail:   tail(outcome.stderr),
		StartTime:    start,
		EndTime:      end,
		Duration:     task.Duration(end.Sub(start)),
		BranchChosen: outcome.branchChosen,
		IsSensor:     t.Options.IsSensor,
		IsBranch:     t.IsBranch,
	}
	_ = e.Backend.InsertResult(ctx, runID, res)
	_ = e.Backend.RemoveFromTempQueue(ctx, runID, taskID)
	_ = Transition(ctx, e.Backend, runID, taskID, task.Running, task.Success)
	if e.Metrics != nil {
		e.Metrics.ObserveDuration(run.PipelineName, t.FunctionRef, end.Sub(start).Seconds())
	}

	if t.LazyExpand {
		if err := e.expand(ctx, runID, t, outcome.expanded); err != nil {
			logger.Error("dynamic expansion failed", "error", err)
		}
	}

	if err := e.propagate(ctx, runID, t, outcome.branchChosen); err != nil {
		logger.Error("downstream propagation failed", "error", err)
	}

	return TickResult{Popped: true, TaskID: taskID, Status: task.Success}
}

func (e *Engine) recordFailureAndAdvance(ctx context.Context, runID int64, t task.Task, qt task.QueuedTask, args json.RawMessage, cause error, start time.Time, wasRunning bool, outcome dispatchOutcome) {
	end := time.Now().UTC()
	_, premature := cause.(*errkind.TaskTimeout)

	res := task.TaskResult{
		TaskID:       t.ID,
		Attempt:      qt.Attempt,
		MaxAttempts:  t.Options.MaxAttempts,
		FunctionName: t.FunctionRef,
		Success:      false,
		Result:       outcome.value,
		ResolvedArgs: args,
		StdoutTail:   tail(outcome.stdout),
		StderrTail:   tail(outcome.stderr),
		StartTime:    start,
		EndTime:      end,
		Duration:     task.Duration(end.Sub(start)),
		Premature:    premature,
	}
	_ = e.Backend.InsertResult(ctx, runID, res)
	_ = e.Backend.RemoveFromTempQueue(ctx, runID, t.ID)
	if e.Metrics != nil {
		e.Metrics.ObserveFailure(qt.PipelineName, t.FunctionRef)
	}

	from := task.Queued
	if wasRunning {
		from = task.Running
	}

	if qt.Attempt < t.Options.MaxAttempts {
		_ = Transition(ctx, e.Backend, runID, t.ID, from, task.Retrying)
		if e.Metrics != nil {
			e.Metrics.ObserveRetry(qt.PipelineName, t.FunctionRef)
		}
		nextAttempt, err := e.Backend.NextAttemptNumber(ctx, runID, t.ID)
		if err != nil {
			e.Logger.Error("advancing attempt counter failed, falling back to local increment", "run_id", runID, "task_id", t.ID, "error", err)
			nextAttempt = qt.Attempt + 1
		}
		e.reenqueueAfterDelay(ctx, runID, t, qt, nextAttempt)
		return
	}

	_ = Transition(ctx, e.Backend, runID, t.ID, from, task.Failure)
	_ = e.propagate(ctx, runID, t, nil)
}

func (e *Engine) reenqueueAfterDelay(ctx context.Context, runID int64, t task.Task, qt task.QueuedTask, nextAttempt int) {
	delay := time.Duration(t.Options.RetryDelay)
	wait := func() {
		if delay <= 0 {
			return
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	go func() {
		wait()
		if ctx.Err() != nil {
			return
		}
		_ = Transition(context.Background(), e.Backend, runID, t.ID, task.Retrying, task.Queued)
		_ = e.Backend.EnqueueTask(context.Background(), task.QueuedTask{
			RunID:         runID,
			TaskID:        t.ID,
			PipelineName:  qt.PipelineName,
			ScheduledDate: qt.ScheduledDate,
			Attempt:       nextAttempt,
			Depth:         qt.Depth,
		})
	}()
}

// FailTimeout forcibly fails an in-flight task whose timeout the
// watchdog's periodic scan has determined was exceeded (spec.md §4.6).
// It is a no-op if the task has already reached a terminal state through
// the normal tick path (the watchdog's scan and a late-arriving result can
// race).
func (e *Engine) FailTimeout(ctx context.Context, qt task.QueuedTask) error {
	status, err := e.Backend.GetTaskStatus(ctx, qt.RunID, qt.TaskID)
	if err != nil {
		return err
	}
	if status != task.Running {
		return nil
	}

	t, ok, err := e.Backend.GetTaskByID(ctx, qt.RunID, qt.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	cause := &errkind.TaskTimeout{TaskID: t.ID, WatchdogSweep: true}
	e.recordFailureAndAdvance(ctx, qt.RunID, t, qt, nil, cause, qt.QueuedAt, true, dispatchOutcome{})
	return nil
}

func (e *Engine) isGloballyDone(ctx context.Context, runID int64) (bool, error) {
	n, err := e.Backend.QueueLength(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	inFlight, err := e.Backend.InFlight(ctx)
	if err != nil {
		return false, err
	}
	for _, qt := range inFlight {
		if qt.RunID == runID {
			return false, nil
		}
	}
	tasks, err := e.Backend.AllTasks(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		status, err := e.Backend.GetTaskStatus(ctx, runID, t.ID)
		if err != nil {
			return false, err
		}
		if !task.IsTerminal(status) {
			return false, nil
		}
	}
	return true, nil
}

func tail(s string) string {
	const max = 4096
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
