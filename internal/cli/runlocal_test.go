package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/builder"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

func TestLocalConcurrencyParsesSpellings(t *testing.T) {
	require.Equal(t, LocalConcurrency("5"), 5)
	require.Greater(t, LocalConcurrency(""), 0)
	require.Greater(t, LocalConcurrency("max"), 0)
	require.Equal(t, LocalConcurrency(""), LocalConcurrency("max"))
	// Garbage and non-positive input falls back to the cores-1 default
	// rather than erroring, since this is a best-effort CLI convenience.
	require.Equal(t, LocalConcurrency(""), LocalConcurrency("not-a-number"))
	require.Equal(t, LocalConcurrency(""), LocalConcurrency("0"))
}

func TestRunLocalDrivesLinearPipelineToSuccess(t *testing.T) {
	b := builder.New()
	b.Register("fetch", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(1) })
	b.Register("process", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(2) })
	fetch := b.AddTask("fetch", nil, task.DefaultTaskOptions())
	b.AddTaskWithUpstream("process", fetch, task.DefaultTaskOptions())
	g, err := b.Build()
	require.NoError(t, err)

	def := PipelineDefinition{Name: "p", Graph: g, Registry: b.Registry(), DefaultConcurrency: 2}
	result, err := RunLocal(context.Background(), def, 2, nil)
	require.NoError(t, err)
	require.Equal(t, task.Success, result.Aggregate)
	require.Len(t, result.TaskResults, 2)
}

func TestRunLocalReportsFailureAggregate(t *testing.T) {
	b := builder.New()
	b.Register("bad", func(json.RawMessage) (json.RawMessage, error) { return nil, errTest })
	b.AddTask("bad", nil, task.TaskOptions{MaxAttempts: 1, TriggerRule: task.AllSuccess})
	g, err := b.Build()
	require.NoError(t, err)

	def := PipelineDefinition{Name: "p", Graph: g, Registry: b.Registry(), DefaultConcurrency: 1}
	result, err := RunLocal(context.Background(), def, 1, nil)
	require.NoError(t, err)
	require.Equal(t, task.Failure, result.Aggregate)
}

var errTest = &simpleTestError{}

type simpleTestError struct{}

func (e *simpleTestError) Error() string { return "intentional test failure" }
