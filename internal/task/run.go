package task

import (
	"encoding/json"
	"time"
)

// Run is a single execution of a pipeline's DAG at a specific scheduled
// time. Runs are append-only once created.
type Run struct {
	RunID         int64           `json:"run_id"`
	PipelineName  string          `json:"pipeline_name"`
	ScheduledDate time.Time       `json:"scheduled_date"`
	TriggerParams json.RawMessage `json:"trigger_params,omitempty"`
}

// Depth is the length of the longest path from a source task (1 + the
// deepest parent's depth, sources at 0), used as the priority-queue sort
// key so upstream tasks are always considered first.
type Depth int
