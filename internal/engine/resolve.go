package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pipelinetool/pipelinetool/internal/backend"
	"github.com/pipelinetool/pipelinetool/internal/errkind"
	"github.com/pipelinetool/pipelinetool/internal/task"
)

const triggerParamsKey = "trigger_params"

// ResolveArgs walks a task's stored template args and substitutes each
// UpstreamReference with the referenced task's result value (whole, or
// narrowed to a field path). For AllDone/AnyFailed trigger rules the
// latest result is used regardless of success; otherwise the latest
// successful result is required. Resolution always reads from the
// backend (never an in-process cache) so it remains restart-safe.
func ResolveArgs(ctx context.Context, be backend.Backend, runID int64, t task.Task, triggerParams json.RawMessage) (json.RawMessage, error) {
	node, err := task.ParseTemplateNode(t.TemplateArgs)
	if err != nil {
		return nil, &errkind.TaskFailure{TaskID: t.ID, Code: "InvalidTemplate", Message: err.Error(), Cause: err}
	}

	resolved, err := resolveNode(ctx, be, runID, t, node)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, &errkind.TaskFailure{TaskID: t.ID, Code: "EncodeFailure", Message: err.Error(), Cause: err}
	}

	if t.UseTriggerParams {
		raw, err = injectTriggerParams(raw, triggerParams)
		if err != nil {
			return nil, &errkind.TaskFailure{TaskID: t.ID, Code: "EncodeFailure", Message: err.Error(), Cause: err}
		}
	}
	return raw, nil
}

func resolveNode(ctx context.Context, be backend.Backend, runID int64, t task.Task, node task.TemplateNode) (any, error) {
	switch {
	case node.Ref != nil:
		return resolveRef(ctx, be, runID, t, *node.Ref)
	case node.Object != nil:
		out := make(map[string]any, len(node.Object))
		for k, child := range node.Object {
			v, err := resolveNode(ctx, be, runID, t, child)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case node.Array != nil:
		out := make([]any, len(node.Array))
		for i, child := range node.Array {
			v, err := resolveNode(ctx, be, runID, t, child)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		var v any
		if len(node.Literal) > 0 {
			if err := json.Unmarshal(node.Literal, &v); err != nil {
				return nil, &errkind.TaskFailure{TaskID: t.ID, Code: "InvalidTemplate", Message: err.Error(), Cause: err}
			}
		}
		return v, nil
	}
}

func resolveRef(ctx context.Context, be backend.Backend, runID int64, t task.Task, ref task.UpstreamReference) (any, error) {
	// AllDone/AnyFailed rules may legitimately read an upstream that
	// failed, so the latest result (success or not) is used; every other
	// rule requires the latest result to be a success.
	var result *task.TaskResult
	var err error
	result, err = be.LatestResult(ctx, runID, ref.UpstreamTaskID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &errkind.TaskFailure{TaskID: t.ID, Code: "UpstreamMissing", Message: "no result recorded for upstream task"}
	}
	if !result.Success && t.Options.TriggerRule != task.AllDone && t.Options.TriggerRule != task.AnyFailed {
		return nil, &errkind.TaskFailure{TaskID: t.ID, Code: "UpstreamFailed", Message: "upstream task did not succeed"}
	}

	if ref.FieldPath == "" {
		var v any
		if len(result.Result) > 0 {
			if err := json.Unmarshal(result.Result, &v); err != nil {
				return nil, &errkind.TaskFailure{TaskID: t.ID, Code: "InvalidUpstreamResult", Message: err.Error(), Cause: err}
			}
		}
		return v, nil
	}

	return extractFieldPath(result.Result, ref.FieldPath, t.ID)
}

func extractFieldPath(raw json.RawMessage, fieldPath string, taskID int) (any, error) {
	var root any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &root); err != nil {
			return nil, &errkind.TaskFailure{TaskID: taskID, Code: "InvalidUpstreamResult", Message: err.Error(), Cause: err}
		}
	}

	cur := root
	for _, part := range strings.Split(fieldPath, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &errkind.TaskFailure{TaskID: taskID, Code: "MissingField", Message: "field path " + fieldPath + " not found"}
		}
		v, ok := m[part]
		if !ok {
			return nil, &errkind.TaskFailure{TaskID: taskID, Code: "MissingField", Message: "field path " + fieldPath + " not found"}
		}
		cur = v
	}
	return cur, nil
}

func injectTriggerParams(raw, triggerParams json.RawMessage) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// Non-object args: wrap so trigger params still have a home.
		m = map[string]any{"value": json.RawMessage(raw)}
	}
	if m == nil {
		m = map[string]any{}
	}
	var params any
	if len(triggerParams) > 0 {
		if err := json.Unmarshal(triggerParams, &params); err != nil {
			return nil, err
		}
	}
	m[triggerParamsKey] = params
	return json.Marshal(m)
}
