package task

import (
	"encoding/json"
	"time"
)

// TaskResult is the outcome of one dispatched attempt of a task.
type TaskResult struct {
	TaskID       int             `json:"task_id"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	FunctionName string          `json:"function_name"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResolvedArgs json.RawMessage `json:"resolved_args,omitempty"`
	StdoutTail   string          `json:"stdout_tail,omitempty"`
	StderrTail   string          `json:"stderr_tail,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Duration     Duration        `json:"duration"`
	Premature    bool            `json:"premature"`
	Skipped      bool            `json:"skipped"`
	BranchChosen *int            `json:"branch_chosen,omitempty"`
	IsSensor     bool            `json:"is_sensor"`
	IsBranch     bool            `json:"is_branch"`
}
