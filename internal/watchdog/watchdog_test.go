package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/backend/memory"
	"github.com/pipelinetool/pipelinetool/internal/engine"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

func TestSweepFailsOverrunTask(t *testing.T) {
	ctx := context.Background()
	be := memory.New()
	e := engine.New(be, map[string]task.Handler{}, nil)

	run, err := be.CreateNewRun(ctx, task.Run{PipelineName: "p"})
	require.NoError(t, err)

	timeout := task.Duration(10 * time.Millisecond)
	tk := task.Task{ID: 1, Name: "slow", FunctionRef: "slow", Options: task.TaskOptions{MaxAttempts: 1, Timeout: &timeout, TriggerRule: task.AllSuccess}}
	require.NoError(t, be.AppendTask(ctx, run.RunID, tk))
	require.NoError(t, engine.Transition(ctx, be, run.RunID, tk.ID, task.Pending, task.Queued))
	require.NoError(t, engine.Transition(ctx, be, run.RunID, tk.ID, task.Queued, task.Running))

	// A real EnqueueTask/PopPriorityQueue round trip stamps QueuedAt at
	// "now" and places the task in the in-flight set, exactly as the
	// engine's own tick loop would have before the watchdog ever sees it.
	require.NoError(t, be.EnqueueTask(ctx, task.QueuedTask{RunID: run.RunID, TaskID: tk.ID, Attempt: 1}))
	_, ok, err := be.PopPriorityQueue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Sleep past the 10ms timeout so the next sweep sees it as overrun.
	time.Sleep(20 * time.Millisecond)

	w := New(be, e, nil)
	w.Interval = time.Millisecond
	ctxRun, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go func() { _ = w.Run(ctxRun) }()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		status, err := be.GetTaskStatus(ctx, run.RunID, tk.ID)
		require.NoError(t, err)
		if status == task.Failure {
			results, err := be.AllResults(ctx, run.RunID, tk.ID)
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.True(t, results[0].Premature)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("watchdog never failed the overrun task")
}

func TestSweepLeavesFreshTaskRunning(t *testing.T) {
	ctx := context.Background()
	be := memory.New()
	e := engine.New(be, map[string]task.Handler{}, nil)

	run, err := be.CreateNewRun(ctx, task.Run{PipelineName: "p"})
	require.NoError(t, err)

	timeout := task.Duration(time.Minute)
	tk := task.Task{ID: 1, Name: "quick", FunctionRef: "quick", Options: task.TaskOptions{MaxAttempts: 1, Timeout: &timeout, TriggerRule: task.AllSuccess}}
	require.NoError(t, be.AppendTask(ctx, run.RunID, tk))
	require.NoError(t, engine.Transition(ctx, be, run.RunID, tk.ID, task.Pending, task.Queued))
	require.NoError(t, engine.Transition(ctx, be, run.RunID, tk.ID, task.Queued, task.Running))
	require.NoError(t, be.EnqueueTask(ctx, task.QueuedTask{RunID: run.RunID, TaskID: tk.ID, Attempt: 1}))
	_, ok, err := be.PopPriorityQueue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	w := New(be, e, nil)
	w.sweep(ctx)

	status, err := be.GetTaskStatus(ctx, run.RunID, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.Running, status)
}
