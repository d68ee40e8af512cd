package engine

import "github.com/pipelinetool/pipelinetool/internal/task"

// EvaluateTriggerRule decides, given the current terminal statuses of a
// task's upstreams, whether the rule is currently satisfied (fire),
// currently unsatisfiable given what has already become terminal (skip),
// or neither yet (wait for more upstreams to reach a terminal state).
//
// upstreamStatuses must contain one entry per upstream; non-terminal
// entries mean that upstream hasn't finished yet.
func EvaluateTriggerRule(rule task.TriggerRule, upstreamStatuses []task.TaskStatus) (fire, skip bool) {
	total := len(upstreamStatuses)
	doneCount, successCount, failureCount := 0, 0, 0
	for _, s := range upstreamStatuses {
		if task.IsTerminal(s) {
			doneCount++
		}
		if s == task.Success {
			successCount++
		}
		if s == task.Failure {
			failureCount++
		}
	}
	allDone := doneCount == total

	switch rule {
	case task.AllSuccess:
		if allDone && successCount == total {
			return true, false
		}
		if failureCount > 0 || (allDone && successCount != total) {
			return false, true
		}
		return false, false

	case task.AllFailed:
		if allDone && failureCount == total {
			return true, false
		}
		if successCount > 0 || (allDone && failureCount != total) {
			return false, true
		}
		return false, false

	case task.AllDone:
		if allDone {
			return true, false
		}
		return false, false

	case task.AnySuccess:
		if successCount > 0 && allDone {
			return true, false
		}
		if allDone && successCount == 0 {
			return false, true
		}
		return false, false

	case task.AnyFailed:
		if failureCount > 0 && allDone {
			return true, false
		}
		if allDone && failureCount == 0 {
			return false, true
		}
		return false, false

	default:
		return false, true
	}
}
