// Package language wraps the gqlparser AST with the document helpers the
// cache needs: parsing, operation/fragment selection, stable printing for
// structural comparison, and built-in directive evaluation.
package language

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

var (
	// ErrNoOperation is returned when a document used as a query or
	// mutation contains no operation definition.
	ErrNoOperation = errors.New("document contains no operation")

	// ErrAmbiguousFragment is returned when a fragment document holds
	// several fragments and the caller did not name one.
	ErrAmbiguousFragment = errors.New("document contains multiple fragments; a fragment name is required")
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// MainOperation returns the operation a document was issued for: the one
// matching operationName, or the only operation when the name is empty.
func MainOperation(doc *QueryDocument, operationName string) (*OperationDefinition, error) {
	if doc == nil || len(doc.Operations) == 0 {
		return nil, ErrNoOperation
	}
	if operationName == "" {
		if len(doc.Operations) > 1 {
			return nil, fmt.Errorf("document contains %d operations; an operation name is required", len(doc.Operations))
		}
		return doc.Operations[0], nil
	}
	if op := doc.Operations.ForName(operationName); op != nil {
		return op, nil
	}
	return nil, fmt.Errorf("operation %q not found in document", operationName)
}

// MainFragment returns the fragment a fragment read/write was issued for.
// With an empty name the document must contain exactly one fragment.
func MainFragment(doc *QueryDocument, fragmentName string) (*FragmentDefinition, error) {
	if doc == nil || len(doc.Fragments) == 0 {
		return nil, errors.New("document contains no fragment definition")
	}
	if fragmentName == "" {
		if len(doc.Fragments) > 1 {
			return nil, ErrAmbiguousFragment
		}
		return doc.Fragments[0], nil
	}
	if f := doc.Fragments.ForName(fragmentName); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("fragment %q not found in document", fragmentName)
}

// Fragment resolves a fragment spread against the document it appears in.
func Fragment(doc *QueryDocument, name string) *FragmentDefinition {
	if doc == nil {
		return nil
	}
	return doc.Fragments.ForName(name)
}

// Print renders a document in canonical form. Two documents printing to the
// same string are treated as structurally equal.
func Print(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}

// Equal reports structural equality of two documents by canonical printing.
func Equal(a, b *QueryDocument) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return Print(a) == Print(b)
}

// OperationName returns the name of the document's main operation, or "".
func OperationName(doc *QueryDocument) string {
	if doc == nil || len(doc.Operations) == 0 {
		return ""
	}
	return doc.Operations[0].Name
}

// ShouldInclude evaluates @skip/@include on a selection against variables.
// A directive whose if: argument references an undefined variable is a
// caller-usage error.
func ShouldInclude(directives DirectiveList, variables map[string]any) (bool, error) {
	if skip := directives.ForName("skip"); skip != nil {
		v, err := directiveIf(skip, variables)
		if err != nil {
			return false, err
		}
		if v {
			return false, nil
		}
	}
	if include := directives.ForName("include"); include != nil {
		v, err := directiveIf(include, variables)
		if err != nil {
			return false, err
		}
		if !v {
			return false, nil
		}
	}
	return true, nil
}

func directiveIf(d *Directive, variables map[string]any) (bool, error) {
	arg := d.Arguments.ForName("if")
	if arg == nil {
		return false, fmt.Errorf("directive @%s is missing its if: argument", d.Name)
	}
	if arg.Value.Kind == Variable {
		if _, ok := variables[arg.Value.Raw]; !ok {
			return false, fmt.Errorf("directive @%s references undefined variable $%s", d.Name, arg.Value.Raw)
		}
	}
	v, err := arg.Value.Value(variables)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("directive @%s if: argument must be a Boolean, got %T", d.Name, v)
	}
	return b, nil
}

// ArgumentValues resolves a field's arguments against variables into plain
// Go values.
func ArgumentValues(field *Field, variables map[string]any) (map[string]any, error) {
	if len(field.Arguments) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := arg.Value.Value(variables)
		if err != nil {
			return nil, fmt.Errorf("argument %s of field %s: %w", arg.Name, field.Name, err)
		}
		out[arg.Name] = v
	}
	return out, nil
}

// ResponseName is the key under which a field appears in a response payload.
func ResponseName(field *Field) string {
	if field.Alias != "" {
		return field.Alias
	}
	return field.Name
}
