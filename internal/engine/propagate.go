package engine

import (
	"context"
	"encoding/json"

	"github.com/pipelinetool/pipelinetool/internal/task"
)

// propagate evaluates each direct downstream of a just-terminated task and
// either enqueues it (trigger rule satisfied), marks it Skipped (trigger
// rule unsatisfiable) and cascades the skip, or leaves it Pending (still
// waiting on other upstreams). branchChosen, when non-nil, restricts
// propagation for a branch task to the chosen side; the other side is
// skipped regardless of its trigger rule.
func (e *Engine) propagate(ctx context.Context, runID int64, t task.Task, branchChosen *int) error {
	downstream, err := e.Backend.Downstream(ctx, runID, t.ID)
	if err != nil {
		return err
	}

	for _, id := range downstream {
		if t.IsBranch && branchChosen != nil && id != *branchChosen {
			if err := e.skipSubtree(ctx, runID, id); err != nil {
				return err
			}
			continue
		}
		if err := e.considerTask(ctx, runID, id); err != nil {
			return err
		}
	}
	return nil
}

// considerTask re-evaluates one task's trigger rule against its upstreams'
// current statuses and enqueues, skips, or leaves it pending accordingly.
func (e *Engine) considerTask(ctx context.Context, runID int64, id int) error {
	status, err := e.Backend.GetTaskStatus(ctx, runID, id)
	if err != nil {
		return err
	}
	if status != task.Pending {
		return nil // already queued/running/terminal; nothing to do
	}

	dt, ok, err := e.Backend.GetTaskByID(ctx, runID, id)
	if err != nil || !ok {
		return err
	}

	upstreamIDs, err := e.Backend.Upstream(ctx, runID, id)
	if err != nil {
		return err
	}

	statuses := make([]task.TaskStatus, 0, len(upstreamIDs))
	for _, uid := range upstreamIDs {
		s, err := e.Backend.GetTaskStatus(ctx, runID, uid)
		if err != nil {
			return err
		}
		statuses = append(statuses, s)
	}

	fire, skip := EvaluateTriggerRule(dt.Options.TriggerRule, statuses)
	switch {
	case fire:
		return e.enqueueTask(ctx, runID, dt)
	case skip:
		return e.skipSubtree(ctx, runID, id)
	default:
		return nil // still waiting on other upstreams
	}
}

func (e *Engine) enqueueTask(ctx context.Context, runID int64, t task.Task) error {
	if err := Transition(ctx, e.Backend, runID, t.ID, task.Pending, task.Queued); err != nil {
		return nil // lost the race to another propagate call; already handled
	}
	depth, ok, err := e.Backend.GetDepth(ctx, runID, t.ID)
	if err != nil {
		return err
	}
	if !ok {
		depth = 0
	}
	attempt, err := e.Backend.NextAttemptNumber(ctx, runID, t.ID)
	if err != nil {
		return err
	}
	return e.Backend.EnqueueTask(ctx, task.QueuedTask{
		RunID:   runID,
		TaskID:  t.ID,
		Attempt: attempt,
		Depth:   depth,
	})
}

// skipSubtree marks id Skipped and cascades the skip to every downstream
// task whose trigger rule becomes unsatisfiable as a result, per spec.md
// §4.3 step 7's "mark Skipped when the rule becomes unsatisfiable".
func (e *Engine) skipSubtree(ctx context.Context, runID int64, id int) error {
	status, err := e.Backend.GetTaskStatus(ctx, runID, id)
	if err != nil {
		return err
	}
	if task.IsTerminal(status) {
		return nil
	}
	if err := Transition(ctx, e.Backend, runID, id, task.Pending, task.Skipped); err != nil {
		return nil
	}

	downstream, err := e.Backend.Downstream(ctx, runID, id)
	if err != nil {
		return err
	}
	for _, next := range downstream {
		if err := e.considerTask(ctx, runID, next); err != nil {
			return err
		}
	}
	return nil
}

// expand materializes a lazy_expand task's fan-out: each direct downstream
// of t (its "template" task) is cloned once per element of the returned
// list, with the reference to t's result replaced by the element's
// literal value; grandchildren that depended on the template now depend
// on every clone (spec.md §4.3 "Dynamic expansion task").
func (e *Engine) expand(ctx context.Context, runID int64, t task.Task, elements []json.RawMessage) error {
	templates, err := e.Backend.Downstream(ctx, runID, t.ID)
	if err != nil {
		return err
	}

	parentDepth, ok, err := e.Backend.GetDepth(ctx, runID, t.ID)
	if err != nil {
		return err
	}
	if !ok {
		parentDepth = 0
	}
	childDepth := parentDepth + 1

	for _, templateID := range templates {
		template, ok, err := e.Backend.GetTaskByID(ctx, runID, templateID)
		if err != nil || !ok {
			continue
		}

		grandchildren, err := e.Backend.Downstream(ctx, runID, templateID)
		if err != nil {
			return err
		}

		cloneIDs := make([]int, 0, len(elements))
		for _, elem := range elements {
			cloneID, err := e.Backend.NextTaskID(ctx, runID)
			if err != nil {
				return err
			}
			clone := template
			clone.ID = cloneID
			clone.IsDynamic = true
			clone.TemplateArgs = rewriteUpstreamRef(template.TemplateArgs, t.ID, elem)

			if err := e.Backend.AppendTask(ctx, runID, clone); err != nil {
				return err
			}
			if err := e.Backend.InsertEdge(ctx, runID, task.Edge{From: t.ID, To: cloneID}); err != nil {
				return err
			}
			if err := e.Backend.SetDepth(ctx, runID, cloneID, childDepth); err != nil {
				return err
			}
			cloneIDs = append(cloneIDs, cloneID)
		}

		if err := e.Backend.RemoveEdge(ctx, runID, task.Edge{From: t.ID, To: templateID}); err != nil {
			return err
		}
		for _, g := range grandchildren {
			if err := e.Backend.RemoveEdge(ctx, runID, task.Edge{From: templateID, To: g}); err != nil {
				return err
			}
			for _, c := range cloneIDs {
				if err := e.Backend.InsertEdge(ctx, runID, task.Edge{From: c, To: g}); err != nil {
					return err
				}
			}
		}

		// The template itself never runs: it was superseded by its clones.
		if err := e.Backend.SetTaskStatus(ctx, runID, templateID, task.Skipped); err != nil {
			return err
		}

		for _, c := range cloneIDs {
			if err := e.considerTask(ctx, runID, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteUpstreamRef replaces every UpstreamReference to expandedTaskID
// (the expansion task, referenced with no field path) inside raw with
// elem's literal value, leaving all other structure untouched.
func rewriteUpstreamRef(raw json.RawMessage, expandedTaskID int, elem json.RawMessage) json.RawMessage {
	node, err := task.ParseTemplateNode(raw)
	if err != nil {
		return raw
	}
	rewritten := rewriteNode(node, expandedTaskID, elem)
	out, err := json.Marshal(rewritten)
	if err != nil {
		return raw
	}
	return out
}

func rewriteNode(node task.TemplateNode, expandedTaskID int, elem json.RawMessage) any {
	switch {
	case node.Ref != nil:
		if node.Ref.UpstreamTaskID == expandedTaskID && node.Ref.FieldPath == "" {
			var v any
			if len(elem) > 0 {
				_ = json.Unmarshal(elem, &v)
			}
			return v
		}
		return map[string]any{"upstream_task_id": node.Ref.UpstreamTaskID, "field_path": node.Ref.FieldPath}
	case node.Object != nil:
		out := make(map[string]any, len(node.Object))
		for k, child := range node.Object {
			out[k] = rewriteNode(child, expandedTaskID, elem)
		}
		return out
	case node.Array != nil:
		out := make([]any, len(node.Array))
		for i, child := range node.Array {
			out[i] = rewriteNode(child, expandedTaskID, elem)
		}
		return out
	default:
		var v any
		if len(node.Literal) > 0 {
			_ = json.Unmarshal(node.Literal, &v)
		}
		return v
	}
}
