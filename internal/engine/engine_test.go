package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/backend/memory"
	"github.com/pipelinetool/pipelinetool/internal/builder"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// seedRun appends g's tasks/edges/depths under a fresh run and enqueues its
// source tasks, mirroring what internal/cli.RunLocal does for the worker
// pool path; duplicated here rather than imported since internal/cli
// imports this package.
func seedRun(t *testing.T, ctx context.Context, be *memory.Backend, g *builder.TaskGraph) task.Run {
	t.Helper()
	run, err := be.CreateNewRun(ctx, task.Run{PipelineName: "test"})
	require.NoError(t, err)

	for _, tk := range g.Tasks() {
		require.NoError(t, be.AppendTask(ctx, run.RunID, tk))
	}
	for _, e := range g.Edges() {
		require.NoError(t, be.InsertEdge(ctx, run.RunID, e))
	}
	for _, tk := range g.Tasks() {
		require.NoError(t, be.SetDepth(ctx, run.RunID, tk.ID, g.Depth(tk.ID)))
	}
	for _, tk := range g.Tasks() {
		if len(g.Upstream(tk.ID)) != 0 {
			continue
		}
		require.NoError(t, Transition(ctx, be, run.RunID, tk.ID, task.Pending, task.Queued))
		attempt, err := be.NextAttemptNumber(ctx, run.RunID, tk.ID)
		require.NoError(t, err)
		require.NoError(t, be.EnqueueTask(ctx, task.QueuedTask{RunID: run.RunID, TaskID: tk.ID, Attempt: attempt}))
	}
	return run
}

// drain ticks the engine until the queue is empty and nothing is in
// flight, bailing out after a generous iteration count so a stuck test
// fails fast instead of hanging.
func drain(t *testing.T, ctx context.Context, e *Engine, run task.Run) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		result, err := e.Tick(ctx, run.RunID, run)
		require.NoError(t, err)
		if !result.Popped {
			if result.Done {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("run did not reach a terminal state")
}

func statusOf(t *testing.T, ctx context.Context, be *memory.Backend, runID int64, id int) task.TaskStatus {
	t.Helper()
	s, err := be.GetTaskStatus(ctx, runID, id)
	require.NoError(t, err)
	return s
}

func TestLinearPipelineSucceeds(t *testing.T) {
	ctx := context.Background()
	b := builder.New()
	b.Register("a", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(1) })
	b.Register("b", func(args json.RawMessage) (json.RawMessage, error) { return args, nil })

	a := b.AddTask("a", nil, task.DefaultTaskOptions())
	c := b.AddTaskWithUpstream("b", a, task.DefaultTaskOptions())
	g, err := b.Build()
	require.NoError(t, err)

	be := memory.New()
	run := seedRun(t, ctx, be, g)
	e := New(be, b.Registry(), nil)
	drain(t, ctx, e, run)

	require.Equal(t, task.Success, statusOf(t, ctx, be, run.RunID, a.ID))
	require.Equal(t, task.Success, statusOf(t, ctx, be, run.RunID, c.ID))
}

func TestAnyFailedTriggerFiresWhenOneUpstreamFails(t *testing.T) {
	ctx := context.Background()
	b := builder.New()
	b.Register("ok", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(true) })
	b.Register("bad", func(json.RawMessage) (json.RawMessage, error) { return nil, errFailure })
	b.Register("alert", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal("alerted") })

	ok := b.AddTask("ok", nil, task.DefaultTaskOptions())
	bad := b.AddTask("bad", nil, task.DefaultTaskOptions())
	alert := b.AddTask("alert", nil, task.TaskOptions{MaxAttempts: 1, TriggerRule: task.AnyFailed})
	b.DependsOn(alert, ok)
	b.DependsOn(alert, bad)

	g, err := b.Build()
	require.NoError(t, err)

	be := memory.New()
	run := seedRun(t, ctx, be, g)
	e := New(be, b.Registry(), nil)
	drain(t, ctx, e, run)

	require.Equal(t, task.Success, statusOf(t, ctx, be, run.RunID, ok.ID))
	require.Equal(t, task.Failure, statusOf(t, ctx, be, run.RunID, bad.ID))
	require.Equal(t, task.Success, statusOf(t, ctx, be, run.RunID, alert.ID))
}

func TestCommandTimeoutRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	b := builder.New()
	timeout := task.Duration(10 * time.Millisecond)
	sleeper := b.AddCommand([]any{"sleep", "1"}, task.TaskOptions{
		MaxAttempts: 2,
		RetryDelay:  task.Duration(time.Millisecond),
		Timeout:     &timeout,
		TriggerRule: task.AllSuccess,
	})
	g, err := b.Build()
	require.NoError(t, err)

	be := memory.New()
	run := seedRun(t, ctx, be, g)
	e := New(be, b.Registry(), nil)
	drain(t, ctx, e, run)

	require.Equal(t, task.Failure, statusOf(t, ctx, be, run.RunID, sleeper.ID))
	results, err := be.AllResults(ctx, run.RunID, sleeper.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Premature)
}

func TestDynamicExpansionClonesTemplate(t *testing.T) {
	ctx := context.Background()
	b := builder.New()
	b.Register("list", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal([]int{10, 20, 30}) })
	b.Register("square", func(args json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * n)
	})

	list := b.Expand("list", nil, task.TaskOptions{MaxAttempts: 1, TriggerRule: task.AllSuccess})
	square := b.AddTaskWithUpstream("square", list, task.TaskOptions{MaxAttempts: 1, TriggerRule: task.AllSuccess})
	_ = square

	g, err := b.Build()
	require.NoError(t, err)

	be := memory.New()
	run := seedRun(t, ctx, be, g)
	e := New(be, b.Registry(), nil)
	drain(t, ctx, e, run)

	allTasks, err := be.AllTasks(ctx, run.RunID)
	require.NoError(t, err)
	// list + original square template (now Skipped) + 3 clones.
	require.Len(t, allTasks, 5)

	var cloneSuccesses int
	for _, tk := range allTasks {
		if tk.IsDynamic {
			require.Equal(t, task.Success, statusOf(t, ctx, be, run.RunID, tk.ID))
			cloneSuccesses++
		}
	}
	require.Equal(t, 3, cloneSuccesses)
}

func TestBranchSkipsNonChosenSide(t *testing.T) {
	ctx := context.Background()
	b := builder.New()
	b.Register("publish", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal("published") })
	b.Register("quarantine", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal("quarantined") })

	publish := b.AddTask("publish", nil, task.DefaultTaskOptions())
	quarantine := b.AddTask("quarantine", nil, task.DefaultTaskOptions())
	publishID, quarantineID := publish.ID, quarantine.ID
	b.Register("decide", func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"chosen_task_id": publishID, "value": nil})
	})
	b.AddBranch("decide", nil, publish, quarantine, task.DefaultTaskOptions())

	g, err := b.Build()
	require.NoError(t, err)

	be := memory.New()
	run := seedRun(t, ctx, be, g)
	e := New(be, b.Registry(), nil)
	drain(t, ctx, e, run)

	require.Equal(t, task.Success, statusOf(t, ctx, be, run.RunID, publishID))
	require.Equal(t, task.Skipped, statusOf(t, ctx, be, run.RunID, quarantineID))
}

func TestTwoRunsOnOneBackendBothSucceed(t *testing.T) {
	// A one-task pipeline seeded twice (two independent runs) on one
	// backend, confirming nothing in the engine assumes a single run per
	// backend.
	ctx := context.Background()
	b := builder.New()
	b.Register("a", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(1) })
	a := b.AddTask("a", nil, task.DefaultTaskOptions())
	g, err := b.Build()
	require.NoError(t, err)

	be := memory.New()
	run1 := seedRun(t, ctx, be, g)
	e := New(be, b.Registry(), nil)
	drain(t, ctx, e, run1)
	require.Equal(t, task.Success, statusOf(t, ctx, be, run1.RunID, a.ID))

	run2 := seedRun(t, ctx, be, g)
	require.NotEqual(t, run1.RunID, run2.RunID)
	drain(t, ctx, e, run2)
	require.Equal(t, task.Success, statusOf(t, ctx, be, run2.RunID, a.ID))
}

var errFailure = &testFailureError{}

type testFailureError struct{}

func (e *testFailureError) Error() string { return "intentional failure" }
