package task

import "time"

// QueuedTask is an entry in the priority queue or the in-flight (temp) set.
// Its sort key is Depth: lower depth is popped first, so a task's
// transitive upstreams have always been considered before it runs.
type QueuedTask struct {
	RunID         int64
	TaskID        int
	PipelineName  string
	ScheduledDate time.Time
	Attempt       int
	Depth         Depth
	QueuedAt      time.Time
}
