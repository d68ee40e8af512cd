// Package backend defines the pluggable persistence contract the
// execution engine, cron scheduler, and timeout watchdog operate against:
// tasks, edges, statuses, results, logs, depth, the priority queue, and
// run metadata. Two implementations are provided: an in-memory variant
// (package memory) for single-process use and tests, and a Redis-backed
// shared-store variant (package redisbackend) for multi-process
// deployments.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pipelinetool/pipelinetool/internal/task"
)

// Backend is the sole serialization point for run state: only the engine
// mutates status/result/edges after construction, only the builder (and
// dynamic expansion) mutates tasks and edges, and only the scheduler
// creates runs.
type Backend interface {
	// Tasks
	AppendTask(ctx context.Context, runID int64, t task.Task) error
	GetTaskByID(ctx context.Context, runID int64, id int) (task.Task, bool, error)
	AllTasks(ctx context.Context, runID int64) ([]task.Task, error)
	TemplateArgs(ctx context.Context, runID int64, id int) (json.RawMessage, error)
	SetTemplateArgs(ctx context.Context, runID int64, id int, args json.RawMessage) error
	// NextTaskID reserves the next unused task ID for a run, for dynamic
	// expansion children created after the initial build.
	NextTaskID(ctx context.Context, runID int64) (int, error)

	// Status
	GetTaskStatus(ctx context.Context, runID int64, id int) (task.TaskStatus, error)
	SetTaskStatus(ctx context.Context, runID int64, id int, status task.TaskStatus) error

	// Results
	InsertResult(ctx context.Context, runID int64, result task.TaskResult) error
	LatestResult(ctx context.Context, runID int64, id int) (*task.TaskResult, error)
	AllResults(ctx context.Context, runID int64, id int) ([]task.TaskResult, error)

	// Logs
	AppendLogLine(ctx context.Context, runID int64, id int, line string) error
	TakeLastLine(ctx context.Context, runID int64, id int) (string, error)
	ReadLog(ctx context.Context, runID int64, id int) ([]string, error)

	// Edges
	InsertEdge(ctx context.Context, runID int64, e task.Edge) error
	RemoveEdge(ctx context.Context, runID int64, e task.Edge) error
	Upstream(ctx context.Context, runID int64, id int) ([]int, error)
	Downstream(ctx context.Context, runID int64, id int) ([]int, error)

	// Depth
	GetDepth(ctx context.Context, runID int64, id int) (task.Depth, bool, error)
	SetDepth(ctx context.Context, runID int64, id int, d task.Depth) error
	DeleteDepth(ctx context.Context, runID int64, id int) error

	// Attempts
	NextAttemptNumber(ctx context.Context, runID int64, id int) (int, error)

	// Queue
	EnqueueTask(ctx context.Context, qt task.QueuedTask) error
	// PopPriorityQueue atomically removes the lowest-depth task from the
	// ready queue and inserts it into the in-flight (temp) set.
	PopPriorityQueue(ctx context.Context) (*task.QueuedTask, bool, error)
	RemoveFromTempQueue(ctx context.Context, runID int64, id int) error
	QueueLength(ctx context.Context) (int, error)
	// InFlight lists the current in-flight (temp queue) entries, for the
	// timeout watchdog.
	InFlight(ctx context.Context) ([]task.QueuedTask, error)

	// Runs
	CreateNewRun(ctx context.Context, run task.Run) (task.Run, error)
	RecentRuns(ctx context.Context, pipeline string, limit int) ([]task.Run, error)
	LastRun(ctx context.Context, pipeline string) (*task.Run, bool, error)
	ContainsScheduledDate(ctx context.Context, pipeline, graphHash string, scheduled time.Time) (bool, error)
	MarkScheduledDate(ctx context.Context, pipeline, graphHash string, scheduled time.Time) error
	ListPipelines(ctx context.Context) ([]string, error)
}
