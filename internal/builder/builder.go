package builder

import (
	"encoding/json"

	"github.com/pipelinetool/pipelinetool/internal/errkind"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// Ref is the sentinel value a caller embeds inside task args to reference
// an upstream task's result. Builder.AddTask (and friends) walk the args
// tree, replace each Ref with the UpstreamReference wire encoding, and
// record an implicit edge from the referenced task to the task under
// construction.
type Ref struct {
	TaskID    int
	FieldPath string
}

// TaskRef is returned by every Add* call. Value/Get materialize a Ref for
// use in a later task's args.
type TaskRef struct {
	ID int
}

// Value references the referenced task's whole result.
func (r TaskRef) Value() Ref { return Ref{TaskID: r.ID} }

// Get references a field path within the referenced task's result.
func (r TaskRef) Get(fieldPath string) Ref { return Ref{TaskID: r.ID, FieldPath: fieldPath} }

// Builder accumulates tasks and edges during pipeline definition. It is an
// explicit object rather than process-wide mutable state: a pipeline
// definition function receives (or constructs) one and returns it, per
// spec.md's "global DAG state during build" design note.
type Builder struct {
	nextID   int
	tasks    []task.Task
	edges    []task.Edge
	registry map[string]Handler
	err      error
}

// Handler is an alias of task.Handler for convenience at call sites that
// already import this package.
type Handler = task.Handler

// New constructs an empty Builder.
func New() *Builder {
	return &Builder{registry: make(map[string]Handler)}
}

// Register adds a named function to the pipeline's function registry.
func (b *Builder) Register(name string, h Handler) {
	b.registry[name] = h
}

// Registry returns the accumulated function registry. The returned map is
// a defensive copy.
func (b *Builder) Registry() map[string]Handler {
	out := make(map[string]Handler, len(b.registry))
	for k, v := range b.registry {
		out[k] = v
	}
	return out
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// AddTask appends a function task. args may embed Ref values anywhere in
// its structure (inside maps/slices); each materializes an implicit edge
// from the referenced task.
func (b *Builder) AddTask(fn string, args any, opts task.TaskOptions) TaskRef {
	return b.addTask(fn, args, opts, false, false)
}

// AddTaskWithUpstream appends a function task whose sole input is the
// given upstream reference's whole value.
func (b *Builder) AddTaskWithUpstream(fn string, upstream TaskRef, opts task.TaskOptions) TaskRef {
	return b.addTask(fn, upstream.Value(), opts, false, false)
}

// AddCommand appends a command task. argv may embed Ref values; the
// resolved argv is executed as an external process.
func (b *Builder) AddCommand(argv []any, opts task.TaskOptions) TaskRef {
	return b.addTask(task.CommandFunction, argv, opts, false, false)
}

// AddBranch appends a branch task: at dispatch time fn must return
// {chosen_task_id, value}. then and else_ are wired as its direct
// downstreams so the engine can skip the non-chosen side at runtime.
func (b *Builder) AddBranch(fn string, args any, then, else_ TaskRef, opts task.TaskOptions) TaskRef {
	ref := b.addTask(fn, args, opts, true, false)
	b.addEdge(ref.ID, then.ID)
	b.addEdge(ref.ID, else_.ID)
	return ref
}

// Expand appends a dynamic fan-out task. At dispatch time fn must return a
// JSON array; the engine creates one child task per element and rewires
// the expansion task's own downstreams onto each child.
func (b *Builder) Expand(fn string, argsList any, opts task.TaskOptions) TaskRef {
	return b.addTask(fn, argsList, opts, false, true)
}

// DependsOn adds an explicit dependency edge without passing a value.
func (b *Builder) DependsOn(downstream, upstream TaskRef) {
	b.addEdge(upstream.ID, downstream.ID)
}

func (b *Builder) addTask(fn string, args any, opts task.TaskOptions, isBranch, lazyExpand bool) TaskRef {
	if opts.MaxAttempts == 0 {
		opts = task.DefaultTaskOptions()
	}
	if err := opts.Validate(); err != nil {
		b.fail(err)
	}

	id := b.nextID
	b.nextID++

	resolved, refs := materialize(args)
	raw, err := json.Marshal(resolved)
	if err != nil {
		b.fail(&errkind.BuildError{Code: "InvalidArgs", Message: err.Error(), Cause: err})
	}

	t := task.Task{
		ID:           id,
		Name:         fn,
		FunctionRef:  fn,
		TemplateArgs: raw,
		Options:      opts,
		LazyExpand:   lazyExpand,
		IsDynamic:    false,
		IsBranch:     isBranch,
	}
	b.tasks = append(b.tasks, t)

	for _, r := range refs {
		b.addEdge(r.TaskID, id)
	}

	return TaskRef{ID: id}
}

func (b *Builder) addEdge(from, to int) {
	if b.hasPath(to, from) {
		b.fail(cycleBuildError([]int{from, to}))
		return
	}
	b.edges = append(b.edges, task.Edge{From: from, To: to})
}

// hasPath reports whether a path exists from `from` to `to` over the
// edges accumulated so far, used to detect a would-be cycle immediately
// at edge-insertion time (spec.md open question (a)).
func (b *Builder) hasPath(from, to int) bool {
	if from == to {
		return true
	}
	adj := make(map[int][]int, len(b.edges))
	for _, e := range b.edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	visited := make(map[int]bool)
	var stack []int
	stack = append(stack, from)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, adj[n]...)
	}
	return false
}

// materialize walks an args tree, replacing every Ref with its wire-format
// sentinel object, and collects the references encountered (in a
// deterministic, depth-first order).
func materialize(v any) (any, []Ref) {
	var refs []Ref
	out := materializeNode(v, &refs)
	return out, refs
}

func materializeNode(v any, refs *[]Ref) any {
	switch val := v.(type) {
	case Ref:
		*refs = append(*refs, val)
		m := map[string]any{"upstream_task_id": val.TaskID}
		if val.FieldPath != "" {
			m["field_path"] = val.FieldPath
		}
		return m
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = materializeNode(child, refs)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = materializeNode(child, refs)
		}
		return out
	default:
		return val
	}
}

// Build finalizes the pipeline definition into a validated TaskGraph.
func (b *Builder) Build() (*TaskGraph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return newTaskGraph(b.tasks, b.edges)
}
