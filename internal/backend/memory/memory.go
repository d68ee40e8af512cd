// Package memory implements backend.Backend for a single process, with
// reference (non-optimized, easy-to-audit) semantics suitable for tests
// and the `run local` CLI path.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/errkind"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

type taskKey struct {
	runID int64
	id    int
}

// Backend is a mutex-guarded, map-based backend.Backend implementation.
// It follows the teacher's in-memory cache pattern of handing callers
// copies rather than stored slices: list-valued reads return fresh slices
// and template args are copied on read and write. Task and result structs
// are copied by value only, so their json.RawMessage fields share backing
// arrays with the stored values.
type Backend struct {
	mu sync.Mutex

	tasks   map[taskKey]task.Task
	status  map[taskKey]task.TaskStatus
	results map[taskKey][]task.TaskResult
	logs    map[taskKey][]string
	depth   map[taskKey]task.Depth
	attempt map[taskKey]int

	upstream   map[taskKey][]int
	downstream map[taskKey][]int

	queue    []task.QueuedTask
	inFlight []task.QueuedTask

	runs          map[string][]task.Run
	scheduledDate map[string]bool // key: pipeline|hash|unixtime
	nextRunID     int64
}

// New constructs an empty in-memory backend.
func New() *Backend {
	return &Backend{
		tasks:         make(map[taskKey]task.Task),
		status:        make(map[taskKey]task.TaskStatus),
		results:       make(map[taskKey][]task.TaskResult),
		logs:          make(map[taskKey][]string),
		depth:         make(map[taskKey]task.Depth),
		attempt:       make(map[taskKey]int),
		upstream:      make(map[taskKey][]int),
		downstream:    make(map[taskKey][]int),
		runs:          make(map[string][]task.Run),
		scheduledDate: make(map[string]bool),
	}
}

func (b *Backend) AppendTask(_ context.Context, runID int64, t task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[taskKey{runID, t.ID}] = t
	b.status[taskKey{runID, t.ID}] = task.Pending
	return nil
}

func (b *Backend) GetTaskByID(_ context.Context, runID int64, id int) (task.Task, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskKey{runID, id}]
	return t, ok, nil
}

func (b *Backend) AllTasks(_ context.Context, runID int64) ([]task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]task.Task, 0, len(b.tasks))
	for k, t := range b.tasks {
		if k.runID == runID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) TemplateArgs(_ context.Context, runID int64, id int) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskKey{runID, id}]
	if !ok {
		return nil, &errkind.BackendError{Code: "NotFound", Message: "task not found"}
	}
	return append(json.RawMessage(nil), t.TemplateArgs...), nil
}

func (b *Backend) SetTemplateArgs(_ context.Context, runID int64, id int, args json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := taskKey{runID, id}
	t, ok := b.tasks[key]
	if !ok {
		return &errkind.BackendError{Code: "NotFound", Message: "task not found"}
	}
	t.TemplateArgs = append(json.RawMessage(nil), args...)
	b.tasks[key] = t
	return nil
}

// NextTaskID scans the run's current tasks for the highest ID in use and
// returns one past it. Called only from within a single expand() call
// on the engine side, which serializes dynamic expansion per task.
func (b *Backend) NextTaskID(_ context.Context, runID int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	max := -1
	for k := range b.tasks {
		if k.runID == runID && k.id > max {
			max = k.id
		}
	}
	return max + 1, nil
}

func (b *Backend) GetTaskStatus(_ context.Context, runID int64, id int) (task.TaskStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.status[taskKey{runID, id}]
	if !ok {
		return "", &errkind.BackendError{Code: "NotFound", Message: "task not found"}
	}
	return s, nil
}

func (b *Backend) SetTaskStatus(_ context.Context, runID int64, id int, status task.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[taskKey{runID, id}] = status
	return nil
}

func (b *Backend) InsertResult(_ context.Context, runID int64, result task.TaskResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := taskKey{runID, result.TaskID}
	b.results[key] = append(b.results[key], result)
	return nil
}

func (b *Backend) LatestResult(_ context.Context, runID int64, id int) (*task.TaskResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := b.results[taskKey{runID, id}]
	if len(rs) == 0 {
		return nil, nil
	}
	r := rs[len(rs)-1]
	return &r, nil
}

func (b *Backend) AllResults(_ context.Context, runID int64, id int) ([]task.TaskResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := b.results[taskKey{runID, id}]
	out := make([]task.TaskResult, len(rs))
	copy(out, rs)
	return out, nil
}

func (b *Backend) AppendLogLine(_ context.Context, runID int64, id int, line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := taskKey{runID, id}
	b.logs[key] = append(b.logs[key], line)
	return nil
}

func (b *Backend) TakeLastLine(_ context.Context, runID int64, id int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.logs[taskKey{runID, id}]
	if len(lines) == 0 {
		return "", nil
	}
	return lines[len(lines)-1], nil
}

func (b *Backend) ReadLog(_ context.Context, runID int64, id int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.logs[taskKey{runID, id}]
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

func (b *Backend) InsertEdge(_ context.Context, runID int64, e task.Edge) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downstream[taskKey{runID, e.From}] = appendUnique(b.downstream[taskKey{runID, e.From}], e.To)
	b.upstream[taskKey{runID, e.To}] = appendUnique(b.upstream[taskKey{runID, e.To}], e.From)
	return nil
}

func (b *Backend) RemoveEdge(_ context.Context, runID int64, e task.Edge) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downstream[taskKey{runID, e.From}] = removeInt(b.downstream[taskKey{runID, e.From}], e.To)
	b.upstream[taskKey{runID, e.To}] = removeInt(b.upstream[taskKey{runID, e.To}], e.From)
	return nil
}

func (b *Backend) Upstream(_ context.Context, runID int64, id int) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.upstream[taskKey{runID, id}]))
	copy(out, b.upstream[taskKey{runID, id}])
	sort.Ints(out)
	return out, nil
}

func (b *Backend) Downstream(_ context.Context, runID int64, id int) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.downstream[taskKey{runID, id}]))
	copy(out, b.downstream[taskKey{runID, id}])
	sort.Ints(out)
	return out, nil
}

func (b *Backend) GetDepth(_ context.Context, runID int64, id int) (task.Depth, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.depth[taskKey{runID, id}]
	return d, ok, nil
}

func (b *Backend) SetDepth(_ context.Context, runID int64, id int, d task.Depth) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.depth[taskKey{runID, id}] = d
	return nil
}

func (b *Backend) DeleteDepth(_ context.Context, runID int64, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.depth, taskKey{runID, id})
	return nil
}

func (b *Backend) NextAttemptNumber(_ context.Context, runID int64, id int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := taskKey{runID, id}
	b.attempt[key]++
	return b.attempt[key], nil
}

func (b *Backend) EnqueueTask(_ context.Context, qt task.QueuedTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.queue {
		if existing.RunID == qt.RunID && existing.TaskID == qt.TaskID {
			return nil // idempotent: duplicate enqueue is a no-op
		}
	}
	b.queue = append(b.queue, qt)
	return nil
}

func (b *Backend) PopPriorityQueue(_ context.Context) (*task.QueuedTask, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false, nil
	}
	lowest := 0
	for i := 1; i < len(b.queue); i++ {
		if b.queue[i].Depth < b.queue[lowest].Depth {
			lowest = i
		}
	}
	qt := b.queue[lowest]
	b.queue = append(b.queue[:lowest], b.queue[lowest+1:]...)
	qt.QueuedAt = timeNow()
	b.inFlight = append(b.inFlight, qt)
	return &qt, true, nil
}

func (b *Backend) RemoveFromTempQueue(_ context.Context, runID int64, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, qt := range b.inFlight {
		if qt.RunID == runID && qt.TaskID == id {
			b.inFlight = append(b.inFlight[:i], b.inFlight[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *Backend) QueueLength(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue), nil
}

func (b *Backend) InFlight(_ context.Context) ([]task.QueuedTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]task.QueuedTask, len(b.inFlight))
	copy(out, b.inFlight)
	return out, nil
}

func (b *Backend) CreateNewRun(_ context.Context, run task.Run) (task.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRunID++
	run.RunID = b.nextRunID
	b.runs[run.PipelineName] = append(b.runs[run.PipelineName], run)
	return run, nil
}

// MarkScheduledDate records (pipeline, graphHash, scheduled) as created.
// Called by the cron scheduler immediately after CreateNewRun so a later
// ContainsScheduledDate check observes it.
func (b *Backend) MarkScheduledDate(_ context.Context, pipeline, graphHash string, scheduled time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduledDate[scheduledDateKey(pipeline, graphHash, scheduled)] = true
	return nil
}

func (b *Backend) RecentRuns(_ context.Context, pipeline string, limit int) ([]task.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	runs := b.runs[pipeline]
	if limit <= 0 || limit > len(runs) {
		limit = len(runs)
	}
	out := make([]task.Run, limit)
	copy(out, runs[len(runs)-limit:])
	return out, nil
}

func (b *Backend) LastRun(_ context.Context, pipeline string) (*task.Run, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	runs := b.runs[pipeline]
	if len(runs) == 0 {
		return nil, false, nil
	}
	r := runs[len(runs)-1]
	return &r, true, nil
}

func (b *Backend) ContainsScheduledDate(_ context.Context, pipeline, graphHash string, scheduled time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scheduledDate[scheduledDateKey(pipeline, graphHash, scheduled)], nil
}

func scheduledDateKey(pipeline, graphHash string, scheduled time.Time) string {
	return pipeline + "|" + graphHash + "|" + scheduled.UTC().Format(time.RFC3339)
}

func (b *Backend) ListPipelines(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.runs))
	for p := range b.runs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func appendUnique(s []int, v int) []int {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}

func removeInt(s []int, v int) []int {
	out := s[:0]
	for _, existing := range s {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}

var timeNow = time.Now
