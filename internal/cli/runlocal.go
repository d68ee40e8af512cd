package cli

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/backend/memory"
	"github.com/pipelinetool/pipelinetool/internal/builder"
	"github.com/pipelinetool/pipelinetool/internal/engine"
	"github.com/pipelinetool/pipelinetool/internal/task"
	"github.com/pipelinetool/pipelinetool/internal/workerpool"
)

// RunLocalResult is what `run local` reports: enough to pick an exit code
// and print a summary.
type RunLocalResult struct {
	RunID       int64
	Aggregate   task.TaskStatus // Success or Failure
	TaskResults []task.TaskResult
}

// LocalConcurrency resolves the N|max spelling of `run local`'s first
// argument into a worker count: "max" is cores-1 (spec.md §6's default),
// "" also defaults to cores-1, anything else parses as a literal count;
// a spelling that is not a positive integer also falls back to cores-1.
func LocalConcurrency(spelling string) int {
	cores := runtime.NumCPU() - 1
	if cores < 1 {
		cores = 1
	}
	if spelling == "" || spelling == "max" {
		return cores
	}
	n, err := strconv.Atoi(spelling)
	if err != nil || n < 1 {
		return cores
	}
	return n
}

// RunLocal builds a fresh in-memory backend, seeds one run of def.Graph,
// drives it to completion with a worker pool of the given concurrency
// (blocking means concurrency 1), and reports the run's aggregate status
// (spec.md §7: Failure if any task ended in Failure, else Success).
func RunLocal(ctx context.Context, def PipelineDefinition, concurrency int, logger *slog.Logger) (RunLocalResult, error) {
	be := memory.New()

	run, err := be.CreateNewRun(ctx, task.Run{PipelineName: def.Name, ScheduledDate: time.Now().UTC()})
	if err != nil {
		return RunLocalResult{}, err
	}

	for _, t := range def.Graph.Tasks() {
		if err := be.AppendTask(ctx, run.RunID, t); err != nil {
			return RunLocalResult{}, err
		}
	}
	for _, e := range def.Graph.Edges() {
		if err := be.InsertEdge(ctx, run.RunID, e); err != nil {
			return RunLocalResult{}, err
		}
	}
	for _, t := range def.Graph.Tasks() {
		if err := be.SetDepth(ctx, run.RunID, t.ID, def.Graph.Depth(t.ID)); err != nil {
			return RunLocalResult{}, err
		}
	}

	if err := seedSourceTasks(ctx, be, run, def.Graph); err != nil {
		return RunLocalResult{}, err
	}

	e := engine.New(be, def.Registry, logger)
	pool := workerpool.New(e, concurrency, logger)
	if err := pool.Run(ctx, run.RunID, run); err != nil {
		return RunLocalResult{}, err
	}

	tasks, err := be.AllTasks(ctx, run.RunID)
	if err != nil {
		return RunLocalResult{}, err
	}
	result := RunLocalResult{RunID: run.RunID, Aggregate: task.Success}
	for _, t := range tasks {
		status, err := be.GetTaskStatus(ctx, run.RunID, t.ID)
		if err != nil {
			return RunLocalResult{}, err
		}
		if status == task.Failure {
			result.Aggregate = task.Failure
		}
		if r, err := be.LatestResult(ctx, run.RunID, t.ID); err == nil && r != nil {
			result.TaskResults = append(result.TaskResults, *r)
		}
	}
	return result, nil
}

// seedSourceTasks enqueues every task with no upstream dependency: the
// entry points a fresh run's worker pool starts draining from.
func seedSourceTasks(ctx context.Context, be backend.Backend, run task.Run, g *builder.TaskGraph) error {
	for _, t := range g.Tasks() {
		if len(g.Upstream(t.ID)) != 0 {
			continue
		}
		if err := engine.Transition(ctx, be, run.RunID, t.ID, task.Pending, task.Queued); err != nil {
			return err
		}
		attempt, err := be.NextAttemptNumber(ctx, run.RunID, t.ID)
		if err != nil {
			return err
		}
		if err := be.EnqueueTask(ctx, task.QueuedTask{
			RunID:         run.RunID,
			TaskID:        t.ID,
			PipelineName:  run.PipelineName,
			ScheduledDate: run.ScheduledDate,
			Attempt:       attempt,
			Depth:         0,
		}); err != nil {
			return err
		}
	}
	return nil
}

