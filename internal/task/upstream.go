package task

import (
	"encoding/json"
	"sort"
)

// upstreamRefKey/fieldKey are the sentinel JSON keys the wire format uses to
// encode an upstream value reference inside otherwise-opaque template args.
// Preserving these lets external consumers inspect template args without
// understanding TemplateNode; internally we decode them into a tagged
// variant for safe traversal.
const (
	upstreamRefKey = "upstream_task_id"
	fieldKey       = "field_path"
)

// UpstreamReference is a placeholder embedded inside a task's template
// args. It is resolved at dispatch time by reading the referenced task's
// latest TaskResult value, optionally narrowed to a field path.
type UpstreamReference struct {
	UpstreamTaskID int
	FieldPath      string // empty means "whole value"
}

// TemplateNode is the internal, safely-traversable representation of a
// raw template-args JSON tree: each node is either a literal JSON value or
// an UpstreamReference placeholder.
type TemplateNode struct {
	Ref     *UpstreamReference
	Literal json.RawMessage
	Object  map[string]TemplateNode
	Array   []TemplateNode
}

// ParseTemplateNode decodes raw template-args JSON into a TemplateNode
// tree, recognizing the sentinel upstream-reference object shape.
func ParseTemplateNode(raw json.RawMessage) (TemplateNode, error) {
	if len(raw) == 0 {
		return TemplateNode{Literal: json.RawMessage("null")}, nil
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil {
		if refRaw, ok := asMap[upstreamRefKey]; ok {
			var taskID int
			if err := json.Unmarshal(refRaw, &taskID); err != nil {
				return TemplateNode{}, err
			}
			var fieldPath string
			if fpRaw, ok := asMap[fieldKey]; ok {
				if err := json.Unmarshal(fpRaw, &fieldPath); err != nil {
					return TemplateNode{}, err
				}
			}
			return TemplateNode{Ref: &UpstreamReference{UpstreamTaskID: taskID, FieldPath: fieldPath}}, nil
		}

		obj := make(map[string]TemplateNode, len(asMap))
		for k, v := range asMap {
			node, err := ParseTemplateNode(v)
			if err != nil {
				return TemplateNode{}, err
			}
			obj[k] = node
		}
		return TemplateNode{Object: obj}, nil
	}

	var asArr []json.RawMessage
	if err := json.Unmarshal(raw, &asArr); err == nil {
		arr := make([]TemplateNode, len(asArr))
		for i, v := range asArr {
			node, err := ParseTemplateNode(v)
			if err != nil {
				return TemplateNode{}, err
			}
			arr[i] = node
		}
		return TemplateNode{Array: arr}, nil
	}

	return TemplateNode{Literal: raw}, nil
}

// References returns every UpstreamReference reachable within the node,
// in a deterministic depth-first, sorted-key order.
func (n TemplateNode) References() []UpstreamReference {
	var out []UpstreamReference
	n.collect(&out)
	return out
}

func (n TemplateNode) collect(out *[]UpstreamReference) {
	switch {
	case n.Ref != nil:
		*out = append(*out, *n.Ref)
	case n.Object != nil:
		keys := make([]string, 0, len(n.Object))
		for k := range n.Object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n.Object[k].collect(out)
		}
	case n.Array != nil:
		for _, child := range n.Array {
			child.collect(out)
		}
	}
}
