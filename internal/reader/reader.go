// Package reader reconstructs nested result trees from the flat normalized
// store for a given document, tracking which selected fields the store
// could not satisfy.
package reader

import (
	"fmt"

	"github.com/gqlcache/gqlcache/internal/keys"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/store"
)

// Result is the outcome of one denormalization pass. Complete is false when
// at least one selected field was missing from the store; Missing lists the
// dotted paths of those fields.
type Result struct {
	Data     map[string]any
	Complete bool
	Missing  []string
}

type Reader struct {
	matcher *Matcher
}

func New(matcher *Matcher) *Reader {
	if matcher == nil {
		matcher = NewMatcher(nil, false)
	}
	return &Reader{matcher: matcher}
}

// Diff reads the document's sole operation rooted at rootID out of view.
// previous, when non-nil, is the result of an earlier read of the same
// query: any rebuilt subtree whose contents are unchanged is returned as
// the previous subtree object so that watchers relying on reference
// equality do not see spurious updates.
func (r *Reader) Diff(doc *language.QueryDocument, rootID store.EntityID, variables map[string]any, view store.View, previous any) (Result, error) {
	op, err := language.MainOperation(doc, "")
	if err != nil {
		return Result{}, err
	}
	return r.diffSelection(doc, op.SelectionSet, rootID, variables, view, previous)
}

// DiffFragment reads one fragment's selection set rooted at an explicit
// entity id.
func (r *Reader) DiffFragment(doc *language.QueryDocument, fragmentName string, id store.EntityID, variables map[string]any, view store.View, previous any) (Result, error) {
	frag, err := language.MainFragment(doc, fragmentName)
	if err != nil {
		return Result{}, err
	}
	return r.diffSelection(doc, frag.SelectionSet, id, variables, view, previous)
}

func (r *Reader) diffSelection(doc *language.QueryDocument, sel language.SelectionSet, rootID store.EntityID, variables map[string]any, view store.View, previous any) (Result, error) {
	w := &walk{doc: doc, variables: variables, view: view, matcher: r.matcher, complete: true}
	obj, ok := view.Get(rootID)
	if !ok {
		// An absent root still yields a well-formed (empty, incomplete)
		// result so partial-data callers have something to render.
		obj = store.Object{}
		w.markMissing(string(rootID))
	}
	// A non-operation root is an entity, read through a fragment.
	fallback := rootTypename(rootID)
	data, err := w.readObject(sel, obj, fallback, fallback == "", previous, "")
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, Complete: w.complete, Missing: w.missing}, nil
}

func rootTypename(id store.EntityID) string {
	switch id {
	case store.RootQueryID:
		return "Query"
	case store.RootMutationID:
		return "Mutation"
	case store.RootSubscriptionID:
		return "Subscription"
	}
	return ""
}

type walk struct {
	doc       *language.QueryDocument
	variables map[string]any
	view      store.View
	matcher   *Matcher
	complete  bool
	missing   []string
}

func (w *walk) markMissing(path string) {
	w.complete = false
	w.missing = append(w.missing, path)
}

// readObject rebuilds one nested object from a stored record. Fields are
// grouped by response name with their selection sets merged, fragment type
// conditions checked against the record's __typename. An entity's stored
// __typename is surfaced in the result even when the selection did not ask
// for it.
func (w *walk) readObject(sel language.SelectionSet, obj store.Object, fallbackTypename string, entity bool, previous any, path string) (map[string]any, error) {
	typename := fallbackTypename
	if tn, ok := obj["__typename"].(string); ok {
		typename = tn
	}
	groups, err := w.collect(sel, typename, nil, map[string]bool{})
	if err != nil {
		return nil, err
	}

	result := make(map[string]any, len(groups.order))
	for _, name := range groups.order {
		fields := groups.fields[name]
		field := fields[0]
		fieldPath := joinPath(path, name)

		if field.Name == "__typename" {
			if typename != "" {
				result[name] = typename
			} else {
				w.markMissing(fieldPath)
			}
			continue
		}

		key, err := keys.FieldKey(field, w.variables)
		if err != nil {
			return nil, err
		}
		stored, ok := obj[key]
		if !ok {
			w.markMissing(fieldPath)
			continue
		}

		prevChild := previousField(previous, name)
		value, err := w.readValue(mergeSelections(fields), stored, prevChild, fieldPath)
		if err != nil {
			return nil, err
		}
		result[name] = value
	}

	if entity && typename != "" {
		if _, ok := result["__typename"]; !ok {
			result["__typename"] = typename
		}
	}

	if prev, ok := previous.(map[string]any); ok && resultEqual(result, prev) {
		return prev, nil
	}
	return result, nil
}

// readValue resolves one stored value: scalars pass through, references are
// looked up in the view, embedded records and lists recurse. A reference
// whose target is absent degrades to a missing field rather than failing
// the read.
func (w *walk) readValue(sel language.SelectionSet, stored any, previous any, path string) (any, error) {
	switch v := stored.(type) {
	case nil:
		return nil, nil
	case store.Reference:
		target, ok := w.view.Get(v.ID)
		if !ok {
			w.markMissing(path)
			return nil, nil
		}
		return w.readObject(sel, target, "", true, previous, path)
	case store.Object:
		return w.readObject(sel, v, "", false, previous, path)
	case []any:
		prevList, _ := previous.([]any)
		out := make([]any, len(v))
		for i, elem := range v {
			var prevElem any
			if i < len(prevList) {
				prevElem = prevList[i]
			}
			value, err := w.readValue(sel, elem, prevElem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		if prevList != nil && listEqual(out, prevList) {
			return prevList, nil
		}
		return out, nil
	default:
		return stored, nil
	}
}

// groupedFields preserves document field order, grouping selections that
// share a response name.
type groupedFields struct {
	order  []string
	fields map[string][]*language.Field
}

func (g *groupedFields) add(name string, f *language.Field) {
	if _, ok := g.fields[name]; !ok {
		g.order = append(g.order, name)
	}
	g.fields[name] = append(g.fields[name], f)
}

// collect flattens one selection level for reading: directives evaluated,
// fragments merged only when their type condition matches the entity.
func (w *walk) collect(sel language.SelectionSet, typename string, into *groupedFields, visited map[string]bool) (*groupedFields, error) {
	if into == nil {
		into = &groupedFields{fields: map[string][]*language.Field{}}
	}
	for _, selection := range sel {
		switch s := selection.(type) {
		case *language.Field:
			ok, err := language.ShouldInclude(s.Directives, w.variables)
			if err != nil {
				return nil, err
			}
			if ok {
				into.add(language.ResponseName(s), s)
			}
		case *language.InlineFragment:
			ok, err := w.includeFragment(s.Directives, s.TypeCondition, typename)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if _, err := w.collect(s.SelectionSet, typename, into, visited); err != nil {
				return nil, err
			}
		case *language.FragmentSpread:
			def := language.Fragment(w.doc, s.Name)
			if def == nil {
				return nil, fmt.Errorf("fragment %q not defined in document", s.Name)
			}
			ok, err := w.includeFragment(s.Directives, def.TypeCondition, typename)
			if err != nil {
				return nil, err
			}
			if !ok || visited[s.Name] {
				continue
			}
			visited[s.Name] = true
			if _, err := w.collect(def.SelectionSet, typename, into, visited); err != nil {
				return nil, err
			}
		}
	}
	return into, nil
}

func (w *walk) includeFragment(directives language.DirectiveList, condition, typename string) (bool, error) {
	ok, err := language.ShouldInclude(directives, w.variables)
	if err != nil || !ok {
		return false, err
	}
	return w.matcher.Match(condition, typename)
}

func mergeSelections(fields []*language.Field) language.SelectionSet {
	if len(fields) == 1 {
		return fields[0].SelectionSet
	}
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

func previousField(previous any, name string) any {
	if prev, ok := previous.(map[string]any); ok {
		return prev[name]
	}
	return nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
