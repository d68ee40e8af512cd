package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipelinetool/pipelinetool/internal/builder"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

func testDefinition(t *testing.T) PipelineDefinition {
	t.Helper()
	b := builder.New()
	b.Register("fetch", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(1) })
	b.Register("process", func(json.RawMessage) (json.RawMessage, error) { return json.Marshal(2) })
	fetch := b.AddTask("fetch", nil, task.DefaultTaskOptions())
	b.AddTaskWithUpstream("process", fetch, task.DefaultTaskOptions())
	g, err := b.Build()
	require.NoError(t, err)

	return PipelineDefinition{
		Name:               "test_pipeline",
		Graph:              g,
		Registry:           b.Registry(),
		DefaultConcurrency: 2,
		Schedule:           ScheduleOptions{Expression: "*/5 * * * *"},
	}
}

func TestDescribeReportsTaskCountAndFunctionNames(t *testing.T) {
	def := testDefinition(t)
	desc, err := Describe(def, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 2, desc.TaskCount)
	require.Equal(t, []string{"fetch", "process"}, desc.FunctionNames)
	require.Equal(t, "*/5 * * * *", desc.ScheduleHuman)
	require.Len(t, desc.UpcomingFireTimes, 10)
}

func TestDescribeUnscheduledPipeline(t *testing.T) {
	def := testDefinition(t)
	def.Schedule = ScheduleOptions{}
	desc, err := Describe(def, time.Now())
	require.NoError(t, err)
	require.Equal(t, "unscheduled", desc.ScheduleHuman)
	require.Empty(t, desc.UpcomingFireTimes)
}

func TestDescribeRejectsInvalidExpression(t *testing.T) {
	def := testDefinition(t)
	def.Schedule.Expression = "not a cron expr"
	_, err := Describe(def, time.Now())
	require.Error(t, err)
}

func TestDescribeStopsAtEndDate(t *testing.T) {
	def := testDefinition(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(3 * time.Minute)
	def.Schedule = ScheduleOptions{Expression: "* * * * *", EndDate: &end}
	desc, err := Describe(def, now)
	require.NoError(t, err)
	require.Len(t, desc.UpcomingFireTimes, 3)
}

func TestOptionsReflectsDefinition(t *testing.T) {
	def := testDefinition(t)
	opts := Options(def)
	require.Equal(t, "test_pipeline", opts.Name)
	require.Equal(t, 2, opts.DefaultConcurrency)
	require.Equal(t, def.Schedule, opts.Schedule)
}

func TestHashIsStableAndDeterministic(t *testing.T) {
	def := testDefinition(t)
	h1 := Hash(def)
	h2 := Hash(testDefinition(t))
	require.NotEmpty(t, h1)
	require.Equal(t, h1, h2)
}

func TestGraphRendersNodesEdgesAndMermaid(t *testing.T) {
	def := testDefinition(t)
	view := Graph(def)
	require.Len(t, view.Nodes, 2)
	require.Len(t, view.Edges, 1)
	require.Contains(t, view.Mermaid, "flowchart TD")
	require.Contains(t, view.Mermaid, "-->")
}

func TestTreeRendersRootsAndChildren(t *testing.T) {
	def := testDefinition(t)
	tree := Tree(def)
	require.Contains(t, tree, "fetch")
	require.Contains(t, tree, "process")
}
