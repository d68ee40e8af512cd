// Package task defines the DAG's data model: tasks, options, results,
// statuses, edges, and the value-reference placeholders tasks use to read
// each other's output.
package task

import (
	"encoding/json"

	"github.com/pipelinetool/pipelinetool/internal/errkind"
)

// CommandFunction is the sentinel function reference used by tasks that
// dispatch an external command instead of an in-process function.
const CommandFunction = "__command__"

// TriggerRule is a predicate over upstream terminal statuses deciding
// whether a task runs or is marked Skipped.
type TriggerRule string

const (
	AllSuccess TriggerRule = "all_success"
	AllFailed  TriggerRule = "all_failed"
	AllDone    TriggerRule = "all_done"
	AnySuccess TriggerRule = "any_success"
	AnyFailed  TriggerRule = "any_failed"
)

// TaskOptions controls retry, timeout, and scheduling behavior for a task.
type TaskOptions struct {
	MaxAttempts   int           `json:"max_attempts"`
	RetryDelay    Duration      `json:"retry_delay"`
	Timeout       *Duration     `json:"timeout,omitempty"`
	TriggerRule   TriggerRule   `json:"trigger_rule"`
	IsSensor      bool          `json:"is_sensor"`
	Label         string        `json:"label,omitempty"`
	Executor      string        `json:"executor,omitempty"`
}

// DefaultTaskOptions returns the options a task gets when none are supplied.
func DefaultTaskOptions() TaskOptions {
	return TaskOptions{
		MaxAttempts: 1,
		RetryDelay:  Duration(0),
		TriggerRule: AllSuccess,
	}
}

// Validate enforces invariant constraints documented for TaskOptions.
func (o TaskOptions) Validate() error {
	if o.MaxAttempts < 1 {
		return &errkind.BuildError{Code: "InvalidOptions", Message: "max_attempts must be >= 1"}
	}
	switch o.TriggerRule {
	case AllSuccess, AllFailed, AllDone, AnySuccess, AnyFailed:
	default:
		return &errkind.BuildError{Code: "InvalidOptions", Message: "unknown trigger rule: " + string(o.TriggerRule)}
	}
	return nil
}

// Task is an immutable node in a run's DAG once it has been appended.
//
// FunctionRef names an entry in the user function registry, or the
// CommandFunction sentinel for tasks that spawn an external command (in
// which case TemplateArgs as a whole resolves to the argv array).
type Task struct {
	ID               int             `json:"id"`
	Name             string          `json:"name"`
	FunctionRef      string          `json:"function_ref"`
	TemplateArgs     json.RawMessage `json:"template_args"`
	Options          TaskOptions     `json:"options"`
	LazyExpand       bool            `json:"lazy_expand"`
	IsDynamic        bool            `json:"is_dynamic"`
	IsBranch         bool            `json:"is_branch"`
	UseTriggerParams bool            `json:"use_trigger_params"`
}

// IsCommand reports whether the task dispatches an external command rather
// than an in-process registered function.
func (t Task) IsCommand() bool { return t.FunctionRef == CommandFunction }

// TaskStatus is the lifecycle state of a single task within a run.
type TaskStatus string

const (
	Pending  TaskStatus = "pending"
	Queued   TaskStatus = "queued"
	Running  TaskStatus = "running"
	Success  TaskStatus = "success"
	Failure  TaskStatus = "failure"
	Retrying TaskStatus = "retrying"
	Skipped  TaskStatus = "skipped"
)

// IsTerminal reports whether status ends the task's lifecycle.
func IsTerminal(s TaskStatus) bool {
	return s == Success || s == Failure || s == Skipped
}

// Edge is a directed dependency: To may run only after From completes.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`
}
