package language

import (
	"errors"
	"testing"
)

func mustParse(t *testing.T, source string) *QueryDocument {
	t.Helper()
	doc, err := ParseQuery(source)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	return doc
}

func TestMainOperation(t *testing.T) {
	t.Run("single unnamed", func(t *testing.T) {
		doc := mustParse(t, `{ a }`)
		op, err := MainOperation(doc, "")
		if err != nil {
			t.Fatalf("MainOperation: %v", err)
		}
		if op.Operation != Query {
			t.Fatalf("operation = %v", op.Operation)
		}
	})

	t.Run("by name", func(t *testing.T) {
		doc := mustParse(t, `query A { a } query B { b }`)
		op, err := MainOperation(doc, "B")
		if err != nil {
			t.Fatalf("MainOperation: %v", err)
		}
		if op.Name != "B" {
			t.Fatalf("name = %q", op.Name)
		}
	})

	t.Run("ambiguous without name", func(t *testing.T) {
		doc := mustParse(t, `query A { a } query B { b }`)
		if _, err := MainOperation(doc, ""); err == nil {
			t.Fatal("ambiguous document accepted")
		}
	})

	t.Run("nil document", func(t *testing.T) {
		if _, err := MainOperation(nil, ""); !errors.Is(err, ErrNoOperation) {
			t.Fatalf("err = %v, want ErrNoOperation", err)
		}
	})
}

func TestMainFragment(t *testing.T) {
	doc := mustParse(t, `
		fragment A on User { name }
		fragment B on User { age }
	`)
	if _, err := MainFragment(doc, ""); !errors.Is(err, ErrAmbiguousFragment) {
		t.Fatalf("err = %v, want ErrAmbiguousFragment", err)
	}
	frag, err := MainFragment(doc, "B")
	if err != nil {
		t.Fatalf("MainFragment: %v", err)
	}
	if frag.Name != "B" {
		t.Fatalf("name = %q", frag.Name)
	}
}

func TestEqual(t *testing.T) {
	a := mustParse(t, `query Q { user(id: 1) { name } }`)
	b := mustParse(t, `query Q {
		user(id: 1) {
			name
		}
	}`)
	c := mustParse(t, `query Q { user(id: 2) { name } }`)

	if !Equal(a, b) {
		t.Fatal("formatting differences broke structural equality")
	}
	if Equal(a, c) {
		t.Fatal("different documents compared equal")
	}
	if Equal(a, nil) || !Equal(nil, nil) {
		t.Fatal("nil handling")
	}
}

func TestShouldInclude(t *testing.T) {
	dirs := func(source string) DirectiveList {
		doc := mustParse(t, source)
		return doc.Operations[0].SelectionSet[0].(*Field).Directives
	}

	cases := []struct {
		name      string
		query     string
		variables map[string]any
		want      bool
		wantErr   bool
	}{
		{"no directives", `{ a }`, nil, true, false},
		{"skip true", `{ a @skip(if: true) }`, nil, false, false},
		{"skip false", `{ a @skip(if: false) }`, nil, true, false},
		{"include false", `{ a @include(if: false) }`, nil, false, false},
		{"skip wins over include", `{ a @skip(if: true) @include(if: true) }`, nil, false, false},
		{"variable", `query($v: Boolean!) { a @include(if: $v) }`, map[string]any{"v": true}, true, false},
		{"undefined variable", `query($v: Boolean!) { a @include(if: $v) }`, nil, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ShouldInclude(dirs(tc.query), tc.variables)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ShouldInclude: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ShouldInclude = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResponseName(t *testing.T) {
	doc := mustParse(t, `{ plain renamed: original }`)
	sel := doc.Operations[0].SelectionSet
	if got := ResponseName(sel[0].(*Field)); got != "plain" {
		t.Fatalf("ResponseName = %q", got)
	}
	if got := ResponseName(sel[1].(*Field)); got != "renamed" {
		t.Fatalf("ResponseName = %q", got)
	}
}
