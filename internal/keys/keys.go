// Package keys derives the stable strings the normalized store is addressed
// by: field keys that fold in argument values and directives, and entity ids
// derived from __typename plus an identifying field.
package keys

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/store"
)

// Built-in directives never contribute to a field's store key; @connection
// may replace it outright.
var builtinDirectives = map[string]struct{}{
	"skip":       {},
	"include":    {},
	"client":     {},
	"export":     {},
	"connection": {},
}

// FieldKey computes the store key for one field selection. Identical
// (name, arguments, directives) always produce the identical key no matter
// the argument order in the document.
func FieldKey(field *language.Field, variables map[string]any) (store.FieldKey, error) {
	args, err := language.ArgumentValues(field, variables)
	if err != nil {
		return "", err
	}

	if conn := field.Directives.ForName("connection"); conn != nil {
		if key, err := connectionKey(conn, args, variables); err != nil {
			return "", err
		} else if key != "" {
			return store.FieldKey(key), nil
		}
	}

	var b strings.Builder
	b.WriteString(field.Name)
	if len(args) > 0 {
		b.WriteByte('(')
		b.WriteString(StableJSON(args))
		b.WriteByte(')')
	}
	for _, d := range field.Directives {
		if _, builtin := builtinDirectives[d.Name]; builtin {
			continue
		}
		dargs, err := directiveArgs(d, variables)
		if err != nil {
			return "", err
		}
		b.WriteByte('@')
		b.WriteString(d.Name)
		if len(dargs) > 0 {
			b.WriteByte('(')
			b.WriteString(StableJSON(dargs))
			b.WriteByte(')')
		}
	}
	return store.FieldKey(b.String()), nil
}

// connectionKey returns the overriding key declared by @connection, or ""
// when the directive carries no key argument.
func connectionKey(d *language.Directive, args map[string]any, variables map[string]any) (string, error) {
	keyArg := d.Arguments.ForName("key")
	if keyArg == nil {
		return "", nil
	}
	raw, err := keyArg.Value.Value(variables)
	if err != nil {
		return "", err
	}
	key, ok := raw.(string)
	if !ok || key == "" {
		return "", fmt.Errorf("@connection key must be a non-empty string")
	}

	filterArg := d.Arguments.ForName("filter")
	if filterArg == nil {
		return key, nil
	}
	raw, err = filterArg.Value.Value(variables)
	if err != nil {
		return "", err
	}
	names, ok := raw.([]any)
	if !ok {
		return "", fmt.Errorf("@connection filter must be a list of argument names")
	}
	filtered := map[string]any{}
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			return "", fmt.Errorf("@connection filter must be a list of argument names")
		}
		if v, present := args[name]; present {
			filtered[name] = v
		}
	}
	if len(filtered) == 0 {
		return key, nil
	}
	return key + "(" + StableJSON(filtered) + ")", nil
}

func directiveArgs(d *language.Directive, variables map[string]any) (map[string]any, error) {
	if len(d.Arguments) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(d.Arguments))
	for _, arg := range d.Arguments {
		v, err := arg.Value.Value(variables)
		if err != nil {
			return nil, fmt.Errorf("argument %s of directive @%s: %w", arg.Name, d.Name, err)
		}
		out[arg.Name] = v
	}
	return out, nil
}

// StableJSON encodes a value as JSON with object keys sorted at every
// level, so the encoding is independent of map iteration order.
func StableJSON(v any) string {
	var b strings.Builder
	writeStable(&b, v)
	return b.String()
}

func writeStable(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		names := make([]string, 0, len(val))
		for k := range val {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteByte('{')
		for i, k := range names {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeStable(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, e)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			b.WriteString("null")
			return
		}
		b.Write(enc)
	}
}

// IdentityFn derives a stable entity id from a response object, or reports
// that the object has no usable identity and must be embedded.
type IdentityFn func(object map[string]any) (string, bool)

// DefaultIdentity builds "__typename:id" from the id or _id field when
// either is present and scalar.
func DefaultIdentity(object map[string]any) (string, bool) {
	typename, ok := object["__typename"].(string)
	if !ok || typename == "" {
		return "", false
	}
	for _, field := range []string{"id", "_id"} {
		v, present := object[field]
		if !present || v == nil {
			continue
		}
		if s, ok := scalarString(v); ok {
			return typename + ":" + s, true
		}
	}
	return "", false
}

// EntityID applies fn (or the default identity) to a response object.
func EntityID(object map[string]any, fn IdentityFn) (store.EntityID, bool) {
	if fn == nil {
		fn = DefaultIdentity
	}
	id, ok := fn(object)
	if !ok || id == "" {
		return "", false
	}
	return store.EntityID(id), true
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		enc, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(enc), true
	default:
		return "", false
	}
}
