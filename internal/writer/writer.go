// Package writer flattens GraphQL response trees into the normalized store.
// It walks a document's selection set in lockstep with the payload,
// replacing identifiable nested objects with references.
package writer

import (
	"errors"
	"fmt"

	"github.com/gqlcache/gqlcache/internal/keys"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/store"
)

// ErrMissingTypename reports an object that carries an identifying field
// but no __typename, so its identity cannot be resolved. This indicates a
// query/schema mismatch the caller must fix.
var ErrMissingTypename = errors.New("object has an id field but no __typename")

type Writer struct {
	identity keys.IdentityFn
}

func New(identity keys.IdentityFn) *Writer {
	return &Writer{identity: identity}
}

// Write normalizes a response payload for the document's sole operation
// under rootID, emitting field writes into sink.
func (w *Writer) Write(doc *language.QueryDocument, rootID store.EntityID, variables map[string]any, data map[string]any, sink store.Sink) error {
	op, err := language.MainOperation(doc, "")
	if err != nil {
		return err
	}
	return w.writeObject(doc, op.SelectionSet, rootID, variables, data, sink)
}

// WriteFragment normalizes a payload for one fragment's selection set under
// an explicit entity id.
func (w *Writer) WriteFragment(doc *language.QueryDocument, fragmentName string, id store.EntityID, variables map[string]any, data map[string]any, sink store.Sink) error {
	frag, err := language.MainFragment(doc, fragmentName)
	if err != nil {
		return err
	}
	return w.writeObject(doc, frag.SelectionSet, id, variables, data, sink)
}

func (w *Writer) writeObject(doc *language.QueryDocument, sel language.SelectionSet, id store.EntityID, variables map[string]any, data map[string]any, sink store.Sink) error {
	return w.writeFields(doc, sel, variables, data, func(key store.FieldKey, value any) {
		sink.Merge(id, key, value)
	}, sink)
}

// writeFields walks one selection level. Fragment selections are flattened
// in regardless of type condition: the payload's own __typename already
// disambiguated what the server returned, and type filtering happens at
// read time. Fields the payload does not carry are skipped; incremental
// delivery legitimately omits deferred fields from earlier payloads.
func (w *Writer) writeFields(doc *language.QueryDocument, sel language.SelectionSet, variables map[string]any, data map[string]any, merge func(store.FieldKey, any), sink store.Sink) error {
	fields, err := collect(doc, sel, variables, map[string]bool{})
	if err != nil {
		return err
	}
	for _, field := range fields {
		value, present := data[language.ResponseName(field)]
		if !present {
			continue
		}
		key, err := keys.FieldKey(field, variables)
		if err != nil {
			return err
		}
		normalized, err := w.writeValue(doc, field, variables, value, sink)
		if err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
		merge(key, normalized)
	}
	// The concrete type is stored even when the query did not select it, so
	// later reads and fragment matching always know what the object was.
	if tn, ok := data["__typename"].(string); ok {
		merge("__typename", tn)
	}
	return nil
}

// writeValue produces the store value for one payload value: scalars pass
// through, objects become references or embedded records, lists map
// element-wise preserving null holes.
func (w *Writer) writeValue(doc *language.QueryDocument, field *language.Field, variables map[string]any, value any, sink store.Sink) (any, error) {
	if value == nil {
		return nil, nil
	}
	if list, ok := value.([]any); ok {
		out := make([]any, len(list))
		for i, elem := range list {
			normalized, err := w.writeValue(doc, field, variables, elem, sink)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = normalized
		}
		return out, nil
	}
	if len(field.SelectionSet) == 0 {
		return value, nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object for selection, got %T", value)
	}
	if id, ok := keys.EntityID(obj, w.identity); ok {
		if err := w.writeObject(doc, field.SelectionSet, id, variables, obj, sink); err != nil {
			return nil, err
		}
		return store.Reference{ID: id}, nil
	}
	if w.identity == nil && missingTypename(obj) {
		return nil, ErrMissingTypename
	}

	// No resolvable identity: embed the object under the parent field.
	embedded := store.Object{}
	err := w.writeFields(doc, field.SelectionSet, variables, obj, func(key store.FieldKey, v any) {
		embedded[key] = v
	}, sink)
	if err != nil {
		return nil, err
	}
	return embedded, nil
}

// missingTypename reports an object that would have resolved an identity
// had the query selected __typename.
func missingTypename(obj map[string]any) bool {
	if _, ok := obj["__typename"].(string); ok {
		return false
	}
	for _, field := range []string{"id", "_id"} {
		if v, ok := obj[field]; ok && v != nil {
			return true
		}
	}
	return false
}

// collect flattens a selection set one level deep: direct fields kept in
// document order, fragment spreads and inline fragments merged in place,
// @skip/@include evaluated against variables.
func collect(doc *language.QueryDocument, sel language.SelectionSet, variables map[string]any, visited map[string]bool) ([]*language.Field, error) {
	var fields []*language.Field
	for _, selection := range sel {
		switch s := selection.(type) {
		case *language.Field:
			ok, err := language.ShouldInclude(s.Directives, variables)
			if err != nil {
				return nil, err
			}
			if ok {
				fields = append(fields, s)
			}
		case *language.InlineFragment:
			ok, err := language.ShouldInclude(s.Directives, variables)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			sub, err := collect(doc, s.SelectionSet, variables, visited)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
		case *language.FragmentSpread:
			ok, err := language.ShouldInclude(s.Directives, variables)
			if err != nil {
				return nil, err
			}
			if !ok || visited[s.Name] {
				continue
			}
			visited[s.Name] = true
			def := language.Fragment(doc, s.Name)
			if def == nil {
				return nil, fmt.Errorf("fragment %q not defined in document", s.Name)
			}
			sub, err := collect(doc, def.SelectionSet, variables, visited)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
		}
	}
	return fields, nil
}
