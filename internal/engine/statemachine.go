package engine

import (
	"context"
	"fmt"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

// Transition performs a validated status transition for a single task,
// checked against the expected prior state so races are observable
// (invariant I3: a task's status transitions only forward through its
// own lifecycle).
func Transition(ctx context.Context, be backend.Backend, runID int64, taskID int, from, to task.TaskStatus) error {
	cur, err := be.GetTaskStatus(ctx, runID, taskID)
	if err != nil {
		return err
	}
	if cur != from {
		return fmt.Errorf("invalid transition for task %d: expected %s, got %s", taskID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for task %d: %s -> %s", taskID, from, to)
	}
	return be.SetTaskStatus(ctx, runID, taskID, to)
}

func isAllowedTransition(from, to task.TaskStatus) bool {
	switch from {
	case task.Pending:
		return to == task.Queued || to == task.Skipped
	case task.Queued:
		return to == task.Running || to == task.Skipped
	case task.Running:
		return to == task.Success || to == task.Failure || to == task.Retrying
	case task.Retrying:
		return to == task.Queued
	default:
		return false
	}
}
