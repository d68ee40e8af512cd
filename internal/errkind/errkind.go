// Package errkind defines the error taxonomy shared across the orchestrator:
// BuildError, ConfigError, BackendError, and TaskFailure/TaskTimeout.
// TriggerUnsatisfied is not an error; it produces a Skipped status.
package errkind

import "fmt"

// BuildError represents a DAG construction failure: a cycle, a duplicate
// reference, or an invalid upstream reference. Fatal at startup.
type BuildError struct {
	Code    string
	Message string
	Cause   error
}

func (e *BuildError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("build error (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("build error: %s", e.Message)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// ConfigError represents bad configuration: a malformed cron expression, a
// missing required environment variable. Fatal at startup.
type ConfigError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("config error (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// BackendError represents a persistence-layer failure: the store is
// unavailable, or a stored value failed to decode. Retried with bounded
// backoff inside the engine; persistent failure aborts the worker but
// leaves state recoverable.
type BackendError struct {
	Code    string
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("backend error (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend error: %s", e.Message)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// TaskFailure represents a task-level failure: a function panicked, a
// subprocess exited nonzero, or a resolved argument referenced a missing
// field. Recorded as a TaskResult; never crashes the engine.
type TaskFailure struct {
	TaskID  int
	Code    string
	Message string
	Cause   error
}

func (e *TaskFailure) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("task failure task=%d (%s): %s", e.TaskID, e.Code, e.Message)
	}
	return fmt.Sprintf("task failure task=%d: %s", e.TaskID, e.Message)
}

func (e *TaskFailure) Unwrap() error { return e.Cause }

// TaskTimeout represents a task exceeding its timeout, detected either by
// the local time-bounded launcher or by the watchdog sweep.
type TaskTimeout struct {
	TaskID        int
	WatchdogSweep bool
}

func (e *TaskTimeout) Error() string {
	if e == nil {
		return ""
	}
	if e.WatchdogSweep {
		return fmt.Sprintf("task %d timed out (detected by watchdog)", e.TaskID)
	}
	return fmt.Sprintf("task %d timed out", e.TaskID)
}
