package store

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// refKey tags serialized references so they can be told apart from embedded
// objects of the same shape.
const refKey = "__ref"

// Extract serializes the confirmed base data as a plain entity-id to record
// mapping, with references rendered as {"__ref": id}. Optimistic patches
// are never extracted.
func (s *Store) Extract() ([]byte, error) {
	out := make(map[string]map[string]any, len(s.base))
	for id, obj := range s.base {
		rec := make(map[string]any, len(obj))
		for k, v := range obj {
			rec[string(k)] = encodeValue(v)
		}
		out[string(id)] = rec
	}
	return json.Marshal(out)
}

// Restore replaces the base data with a previously extracted snapshot,
// typically server-rendered initial state. The optimistic stack is cleared.
func (s *Store) Restore(serialized []byte) error {
	var raw map[string]map[string]any
	if err := json.Unmarshal(serialized, &raw); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	data := make(Data, len(raw))
	for id, rec := range raw {
		obj := make(Object, len(rec))
		for k, v := range rec {
			obj[FieldKey(k)] = decodeValue(v)
		}
		data[EntityID(id)] = obj
	}
	s.base = data
	s.patches = nil
	return nil
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case Reference:
		return map[string]any{refKey: string(val.ID)}
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = encodeValue(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[string(k)] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if ref, ok := val[refKey].(string); ok && len(val) == 1 {
			return Reference{ID: EntityID(ref)}
		}
		out := make(Object, len(val))
		for k, e := range val {
			out[FieldKey(k)] = decodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = decodeValue(e)
		}
		return out
	default:
		return v
	}
}
