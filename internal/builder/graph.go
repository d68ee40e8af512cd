// Package builder accumulates tasks and edges during pipeline definition,
// assigns task ids, validates acyclicity eagerly, and resolves upstream
// value/field references into template-argument placeholders.
package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pipelinetool/pipelinetool/internal/errkind"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// TaskGraph is the immutable, validated result of Builder.Build: a task
// set, its edge set, and the per-task depth used as the priority-queue
// sort key.
type TaskGraph struct {
	tasks    []task.Task // ordered by ID
	byID     map[int]task.Task
	edges    []task.Edge // canonically sorted
	outgoing map[int][]int
	incoming map[int][]int
	depth    map[int]task.Depth
	hash     string
}

// Tasks returns the task set in id order.
func (g *TaskGraph) Tasks() []task.Task {
	out := make([]task.Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Edges returns the dependency edges in canonical (from, to) order.
func (g *TaskGraph) Edges() []task.Edge {
	out := make([]task.Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Task looks up a task by id.
func (g *TaskGraph) Task(id int) (task.Task, bool) {
	t, ok := g.byID[id]
	return t, ok
}

// Downstream returns the ids of tasks that depend directly on id.
func (g *TaskGraph) Downstream(id int) []int {
	out := make([]int, len(g.outgoing[id]))
	copy(out, g.outgoing[id])
	return out
}

// Upstream returns the ids id depends on directly.
func (g *TaskGraph) Upstream(id int) []int {
	out := make([]int, len(g.incoming[id]))
	copy(out, g.incoming[id])
	return out
}

// Depth returns the cached topological depth of a task.
func (g *TaskGraph) Depth(id int) task.Depth { return g.depth[id] }

// Hash is the stable identity of (tasks, edges, options) per spec.md's
// `hash` CLI subcommand.
func (g *TaskGraph) Hash() string { return g.hash }

func newTaskGraph(tasks []task.Task, edges []task.Edge) (*TaskGraph, error) {
	byID := make(map[int]task.Task, len(tasks))
	for _, t := range tasks {
		if _, exists := byID[t.ID]; exists {
			return nil, &errkind.BuildError{Code: "DuplicateID", Message: "duplicate task id"}
		}
		byID[t.ID] = t
	}
	for _, e := range edges {
		if _, ok := byID[e.From]; !ok {
			return nil, &errkind.BuildError{Code: "UnknownTask", Message: "edge references unknown task (from)"}
		}
		if _, ok := byID[e.To]; !ok {
			return nil, &errkind.BuildError{Code: "UnknownTask", Message: "edge references unknown task (to)"}
		}
		if e.From == e.To {
			return nil, &errkind.BuildError{Code: "SelfLoop", Message: "self-loop edge"}
		}
	}

	sortedTasks := make([]task.Task, len(tasks))
	copy(sortedTasks, tasks)
	sort.Slice(sortedTasks, func(i, j int) bool { return sortedTasks[i].ID < sortedTasks[j].ID })

	dedupedEdges := make([]task.Edge, 0, len(edges))
	seen := make(map[task.Edge]struct{}, len(edges))
	for _, e := range edges {
		if _, exists := seen[e]; exists {
			continue
		}
		seen[e] = struct{}{}
		dedupedEdges = append(dedupedEdges, e)
	}
	sort.Slice(dedupedEdges, func(i, j int) bool {
		if dedupedEdges[i].From != dedupedEdges[j].From {
			return dedupedEdges[i].From < dedupedEdges[j].From
		}
		return dedupedEdges[i].To < dedupedEdges[j].To
	})

	outgoing := make(map[int][]int, len(byID))
	incoming := make(map[int][]int, len(byID))
	for _, e := range dedupedEdges {
		outgoing[e.From] = append(outgoing[e.From], e.To)
		incoming[e.To] = append(incoming[e.To], e.From)
	}

	g := &TaskGraph{
		tasks:    sortedTasks,
		byID:     byID,
		edges:    dedupedEdges,
		outgoing: outgoing,
		incoming: incoming,
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeHash()
	return g, nil
}

func (g *TaskGraph) computeDepth() map[int]task.Depth {
	depth := make(map[int]task.Depth, len(g.tasks))
	for _, id := range g.topoOrder() {
		maxParent := task.Depth(0)
		for _, p := range g.incoming[id] {
			if cand := depth[p] + 1; cand > maxParent {
				maxParent = cand
			}
		}
		depth[id] = maxParent
	}
	return depth
}

func (g *TaskGraph) computeHash() string {
	h := sha256.New()
	writeField := func(data []byte) {
		length := uint64(len(data))
		lengthBytes := make([]byte, 8)
		for i := 0; i < 8; i++ {
			lengthBytes[7-i] = byte(length >> (8 * i))
		}
		h.Write(lengthBytes)
		h.Write(data)
	}

	writeField([]byte{byte(len(g.tasks))})
	for _, t := range g.tasks {
		optsJSON, _ := json.Marshal(t.Options)
		writeField([]byte(t.FunctionRef))
		writeField(t.TemplateArgs)
		writeField(optsJSON)
	}
	writeField([]byte{byte(len(g.edges))})
	for _, e := range g.edges {
		writeField([]byte{byte(e.From >> 24), byte(e.From >> 16), byte(e.From >> 8), byte(e.From)})
		writeField([]byte{byte(e.To >> 24), byte(e.To >> 16), byte(e.To >> 8), byte(e.To)})
	}
	return hex.EncodeToString(h.Sum(nil))
}
