package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pipelinetool/pipelinetool/internal/builder"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// ScheduleOptions is a pipeline's cron registration, independent of the
// cron package's runtime PipelineSchedule (which additionally carries the
// Seed callback); this is the part worth printing as JSON.
type ScheduleOptions struct {
	Expression string     `json:"expression,omitempty"`
	StartDate  time.Time  `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Catchup    bool       `json:"catchup"`
}

// PipelineOptions is the `options` subcommand's JSON payload.
type PipelineOptions struct {
	Name              string          `json:"name"`
	DefaultConcurrency int            `json:"default_concurrency"`
	Schedule          ScheduleOptions `json:"schedule"`
}

// PipelineDefinition bundles a built graph with the pieces the
// introspection and run subcommands need: its registry and its schedule.
type PipelineDefinition struct {
	Name               string
	Graph              *builder.TaskGraph
	Registry           map[string]task.Handler
	Schedule           ScheduleOptions
	DefaultConcurrency int
}

// Description is the `describe` subcommand's payload.
type Description struct {
	TaskCount        int       `json:"task_count"`
	FunctionNames    []string  `json:"function_names"`
	ScheduleHuman    string    `json:"schedule"`
	UpcomingFireTimes []time.Time `json:"upcoming_fire_times,omitempty"`
}

// Describe reports task count, distinct function names, the schedule's
// cron expression as written (it is not rendered into prose), and the
// next 10 scheduled fire times (spec.md §6).
func Describe(def PipelineDefinition, now time.Time) (Description, error) {
	tasks := def.Graph.Tasks()
	seen := make(map[string]struct{}, len(tasks))
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.FunctionRef]; ok {
			continue
		}
		seen[t.FunctionRef] = struct{}{}
		names = append(names, t.FunctionRef)
	}
	sort.Strings(names)

	desc := Description{
		TaskCount:     len(tasks),
		FunctionNames: names,
		ScheduleHuman: "unscheduled",
	}
	if def.Schedule.Expression == "" {
		return desc, nil
	}
	desc.ScheduleHuman = def.Schedule.Expression

	sched, err := cron.ParseStandard(def.Schedule.Expression)
	if err != nil {
		return Description{}, fmt.Errorf("parsing schedule expression: %w", err)
	}
	cursor := now
	if def.Schedule.StartDate.After(cursor) {
		cursor = def.Schedule.StartDate
	}
	fires := make([]time.Time, 0, 10)
	for i := 0; i < 10; i++ {
		next := sched.Next(cursor)
		if def.Schedule.EndDate != nil && next.After(*def.Schedule.EndDate) {
			break
		}
		fires = append(fires, next)
		cursor = next
	}
	desc.UpcomingFireTimes = fires
	return desc, nil
}

// Options returns the pipeline's options payload.
func Options(def PipelineDefinition) PipelineOptions {
	return PipelineOptions{
		Name:               def.Name,
		DefaultConcurrency: def.DefaultConcurrency,
		Schedule:           def.Schedule,
	}
}

// Hash returns the graph's stable identity hash.
func Hash(def PipelineDefinition) string {
	return def.Graph.Hash()
}

// GraphNode/GraphEdge/GraphView back the `graph` subcommand's JSON, shaped
// for a mermaid flowchart render; Mermaid carries the rendered source
// directly so a caller need not re-derive it from Nodes/Edges.
type GraphNode struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

type GraphEdge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type GraphView struct {
	Nodes   []GraphNode `json:"nodes"`
	Edges   []GraphEdge `json:"edges"`
	Mermaid string      `json:"mermaid"`
}

// Graph renders the DAG as a mermaid-style flowchart description.
func Graph(def PipelineDefinition) GraphView {
	tasks := def.Graph.Tasks()
	nodes := make([]GraphNode, 0, len(tasks))
	var mermaid strings.Builder
	mermaid.WriteString("flowchart TD\n")
	for _, t := range tasks {
		nodes = append(nodes, GraphNode{ID: t.ID, Label: t.Name})
		fmt.Fprintf(&mermaid, "    task%d[\"%s (#%d)\"]\n", t.ID, t.Name, t.ID)
	}
	edges := make([]GraphEdge, 0, len(def.Graph.Edges()))
	for _, e := range def.Graph.Edges() {
		edges = append(edges, GraphEdge{From: e.From, To: e.To})
		fmt.Fprintf(&mermaid, "    task%d --> task%d\n", e.From, e.To)
	}
	return GraphView{Nodes: nodes, Edges: edges, Mermaid: mermaid.String()}
}

// Tree renders the DAG as an ASCII tree rooted at its source tasks (those
// with no upstream), descending through each task's downstream edges. A
// task reachable from more than one root is printed again at each branch,
// matching how a DAG (as opposed to a strict tree) is conventionally
// flattened for display.
func Tree(def PipelineDefinition) string {
	g := def.Graph
	var roots []int
	for _, t := range g.Tasks() {
		if len(g.Upstream(t.ID)) == 0 {
			roots = append(roots, t.ID)
		}
	}
	sort.Ints(roots)

	var b strings.Builder
	var walk func(id int, prefix string, last bool)
	walk = func(id int, prefix string, last bool) {
		t, _ := g.Task(id)
		connector := "├── "
		if last {
			connector = "└── "
		}
		fmt.Fprintf(&b, "%s%s%s (#%d)\n", prefix, connector, t.Name, t.ID)

		childPrefix := prefix + "│   "
		if last {
			childPrefix = prefix + "    "
		}
		children := g.Downstream(id)
		sort.Ints(children)
		for i, c := range children {
			walk(c, childPrefix, i == len(children)-1)
		}
	}
	for i, r := range roots {
		t, _ := g.Task(r)
		fmt.Fprintf(&b, "%s (#%d)\n", t.Name, t.ID)
		children := g.Downstream(r)
		sort.Ints(children)
		for j, c := range children {
			walk(c, "", j == len(children)-1)
		}
		if i != len(roots)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
