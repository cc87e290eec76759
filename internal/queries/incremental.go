package queries

import (
	"fmt"

	"github.com/gqlcache/gqlcache/internal/transport"
)

// applyPatch merges an incremental payload into the previously assembled
// result tree. Both the single-path legacy shape and the incremental-list
// shape are handled. Patch data is copied before merging: deduplicated
// subscribers share the payload objects, and a merge must never splice a
// shared map into this query's private base.
func applyPatch(root map[string]any, res *transport.Result) error {
	if len(res.Incremental) > 0 {
		for _, inc := range res.Incremental {
			if err := mergeAtPath(root, inc.Path, copyData(inc.Data)); err != nil {
				return err
			}
		}
		return nil
	}
	return mergeAtPath(root, res.Path, copyData(res.Data))
}

// copyTree deep-copies the map and slice spine of a decoded payload value.
func copyTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = copyTree(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = copyTree(child)
		}
		return out
	default:
		return v
	}
}

func copyData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return copyTree(m).(map[string]any)
}

// mergeAtPath walks root along path and merges data's fields into the node
// there. Every intermediate path element must already be resolved; a list
// index exactly one past the end at the final element appends a streamed
// item. Anything else is an ordering violation.
func mergeAtPath(root map[string]any, path []any, data map[string]any) error {
	merged, err := mergeValue(root, path, data)
	if err != nil {
		return err
	}
	if _, ok := merged.(map[string]any); !ok {
		return fmt.Errorf("%w: patch root is not an object", ErrPatchOrdering)
	}
	return nil
}

func mergeValue(node any, path []any, data map[string]any) (any, error) {
	if len(path) == 0 {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: patch target is not an object", ErrPatchOrdering)
		}
		for k, v := range data {
			m[k] = v
		}
		return m, nil
	}

	switch elem := pathElement(path[0]).(type) {
	case string:
		m, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected object at %v", ErrPatchOrdering, path[0])
		}
		child, ok := m[elem]
		if !ok {
			return nil, fmt.Errorf("%w: field %q not yet delivered", ErrPatchOrdering, elem)
		}
		merged, err := mergeValue(child, path[1:], data)
		if err != nil {
			return nil, err
		}
		m[elem] = merged
		return m, nil
	case int:
		list, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected list at %v", ErrPatchOrdering, path[0])
		}
		if elem == len(list) && len(path) == 1 {
			// Streamed item appended in order.
			list = append(list, map[string]any{})
		}
		if elem < 0 || elem >= len(list) {
			return nil, fmt.Errorf("%w: list index %d out of range", ErrPatchOrdering, elem)
		}
		merged, err := mergeValue(list[elem], path[1:], data)
		if err != nil {
			return nil, err
		}
		list[elem] = merged
		return list, nil
	default:
		return nil, fmt.Errorf("%w: invalid path element %v", ErrPatchOrdering, path[0])
	}
}

// pathElement normalizes JSON-decoded path elements: numbers arrive as
// float64, indices as int after in-process construction.
func pathElement(v any) any {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case string:
		return n
	default:
		return v
	}
}
