package queries

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/transport"
)

func mustParseQuery(t *testing.T, source string) *language.QueryDocument {
	t.Helper()
	doc, err := language.ParseQuery(source)
	require.NoError(t, err)
	return doc
}

func TestCoordinator_Lifecycle(t *testing.T) {
	c := NewCoordinator()
	doc := mustParseQuery(t, `{ user { name } }`)

	q, err := c.Init("q1", doc, nil, KindInitial, false)
	require.NoError(t, err)
	require.Equal(t, StatusLoading, q.Status())
	require.True(t, q.Status().Fetching())

	_, err = c.MarkResult("q1", &transport.Result{Data: map[string]any{"user": map[string]any{"name": "Ada"}}})
	require.NoError(t, err)
	require.Equal(t, StatusReady, q.Status())
	require.False(t, q.Status().Fetching())

	t.Run("refetch from ready", func(t *testing.T) {
		_, err := c.Init("q1", doc, nil, KindRefetch, false)
		require.NoError(t, err)
		require.Equal(t, StatusRefetch, q.Status())
		require.NoError(t, c.MarkError("q1", []transport.GraphQLError{{Message: "boom"}}))
		require.Equal(t, StatusError, q.Status())
		require.Equal(t, "boom", q.LastErrors[0].Message)
	})

	t.Run("setVariables remembers previous variables", func(t *testing.T) {
		_, err := c.Init("q1", doc, map[string]any{"page": int64(2)}, KindSetVariables, true)
		require.NoError(t, err)
		require.Equal(t, StatusSetVariables, q.Status())
		require.Nil(t, q.PreviousVariables)
		require.Equal(t, map[string]any{"page": int64(2)}, q.Variables)

		_, err = c.MarkResult("q1", &transport.Result{Data: map[string]any{}})
		require.NoError(t, err)
		_, err = c.Init("q1", doc, map[string]any{"page": int64(3)}, KindSetVariables, true)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"page": int64(2)}, q.PreviousVariables)
	})

	t.Run("fetchMore requires a settled ready query", func(t *testing.T) {
		_, err := c.Init("q1", doc, nil, KindFetchMore, false)
		require.Error(t, err, "fetchMore while fetching must fail")
	})
}

func TestCoordinator_DocumentMismatch(t *testing.T) {
	c := NewCoordinator()
	_, err := c.Init("q1", mustParseQuery(t, `{ a }`), nil, KindInitial, false)
	require.NoError(t, err)
	_, err = c.Init("q1", mustParseQuery(t, `{ b }`), nil, KindRefetch, false)
	require.ErrorIs(t, err, ErrDocumentMismatch)

	// Reformatting the same document is not a mismatch.
	_, err = c.Init("q1", mustParseQuery(t, "{\n  a\n}"), nil, KindRefetch, false)
	require.NoError(t, err)
}

func TestCoordinator_UnknownQuery(t *testing.T) {
	c := NewCoordinator()
	_, err := c.MarkResult("nope", &transport.Result{})
	require.ErrorIs(t, err, ErrUnknownQuery)
	require.ErrorIs(t, c.MarkDone("nope"), ErrUnknownQuery)
	require.ErrorIs(t, c.MarkError("nope", nil), ErrUnknownQuery)
}

func TestCoordinator_IncrementalMerge(t *testing.T) {
	c := NewCoordinator()
	doc := mustParseQuery(t, `{ story { title comments { text } } }`)
	_, err := c.Init("q1", doc, nil, KindInitial, false)
	require.NoError(t, err)

	q, _ := c.Get("q1")

	t.Run("initial payload with hasNext stays fetching", func(t *testing.T) {
		data, err := c.MarkResult("q1", &transport.Result{
			Data:    map[string]any{"story": map[string]any{"title": "T", "comments": []any{}}},
			HasNext: true,
		})
		require.NoError(t, err)
		require.Equal(t, "T", data["story"].(map[string]any)["title"])
		require.True(t, q.Status().Fetching())
	})

	t.Run("deferred patch merges at path", func(t *testing.T) {
		data, err := c.MarkResult("q1", &transport.Result{
			Path:    []any{"story"},
			Data:    map[string]any{"author": "Ada"},
			HasNext: true,
		})
		require.NoError(t, err)
		require.Equal(t, "Ada", data["story"].(map[string]any)["author"])
	})

	t.Run("streamed list items append in order", func(t *testing.T) {
		for i, text := range []string{"first", "second"} {
			_, err := c.MarkResult("q1", &transport.Result{
				Path:    []any{"story", "comments", float64(i)},
				Data:    map[string]any{"text": text},
				HasNext: true,
			})
			require.NoError(t, err)
		}
		data, err := c.MarkResult("q1", &transport.Result{
			Incremental: []transport.IncrementalResult{
				{Path: []any{"story", "comments", int64(2)}, Data: map[string]any{"text": "third"}},
			},
			HasNext: true,
		})
		require.NoError(t, err)
		want := []any{
			map[string]any{"text": "first"},
			map[string]any{"text": "second"},
			map[string]any{"text": "third"},
		}
		got := data["story"].(map[string]any)["comments"]
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("comments mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("patch past the end is an ordering violation", func(t *testing.T) {
		_, err := c.MarkResult("q1", &transport.Result{
			Path: []any{"story", "comments", float64(7)},
			Data: map[string]any{"text": "late"},
		})
		require.ErrorIs(t, err, ErrPatchOrdering)
	})

	t.Run("patch through an undelivered field is an ordering violation", func(t *testing.T) {
		_, err := c.MarkResult("q1", &transport.Result{
			Path: []any{"story", "related", "title"},
			Data: map[string]any{"x": 1},
		})
		require.ErrorIs(t, err, ErrPatchOrdering)
	})

	t.Run("stream end settles via MarkDone", func(t *testing.T) {
		require.NoError(t, c.MarkDone("q1"))
		require.Equal(t, StatusReady, q.Status())
	})
}

// Deduplicated fetches deliver the same Result to every subscriber. Each
// query must keep a private merge base: a patch folded into one query may
// not show up in another's data or in the shared payload itself.
func TestCoordinator_SharedPayloadNotAliased(t *testing.T) {
	c := NewCoordinator()
	doc := mustParseQuery(t, `{ story { title meta { x } } }`)
	for _, id := range []string{"q1", "q2"} {
		_, err := c.Init(id, doc, nil, KindInitial, false)
		require.NoError(t, err)
	}

	initial := &transport.Result{
		Data:    map[string]any{"story": map[string]any{"title": "T"}},
		HasNext: true,
	}
	_, err := c.MarkResult("q1", initial)
	require.NoError(t, err)
	second, err := c.MarkResult("q2", initial)
	require.NoError(t, err)

	patch := &transport.Result{
		Path:    []any{"story"},
		Data:    map[string]any{"author": "Ada"},
		HasNext: true,
	}
	_, err = c.MarkResult("q1", patch)
	require.NoError(t, err)

	require.NotContains(t, second["story"].(map[string]any), "author",
		"a merge into one query leaked into another's base")
	require.NotContains(t, initial.Data["story"].(map[string]any), "author",
		"a merge mutated the shared payload")

	t.Run("patch data is private per query too", func(t *testing.T) {
		meta := &transport.Result{
			Path:    []any{"story"},
			Data:    map[string]any{"meta": map[string]any{}},
			HasNext: true,
		}
		_, err := c.MarkResult("q1", meta)
		require.NoError(t, err)
		_, err = c.MarkResult("q2", meta)
		require.NoError(t, err)

		deep := &transport.Result{
			Path:    []any{"story", "meta"},
			Data:    map[string]any{"x": int64(1)},
			HasNext: true,
		}
		_, err = c.MarkResult("q1", deep)
		require.NoError(t, err)

		require.Empty(t, second["story"].(map[string]any)["meta"],
			"a deep merge through a shared patch leaked across queries")
		require.Empty(t, meta.Data["meta"], "a deep merge mutated the shared patch")
	})
}

func TestCoordinator_PatchBeforeAnyResult(t *testing.T) {
	c := NewCoordinator()
	_, err := c.Init("q1", mustParseQuery(t, `{ a }`), nil, KindInitial, false)
	require.NoError(t, err)
	_, err = c.MarkResult("q1", &transport.Result{Path: []any{"a"}, Data: map[string]any{}})
	require.ErrorIs(t, err, ErrPatchOrdering)
}

func TestCoordinator_Reset(t *testing.T) {
	c := NewCoordinator()
	doc := mustParseQuery(t, `{ a }`)
	for _, id := range []string{"keep", "drop"} {
		_, err := c.Init(id, doc, nil, KindInitial, false)
		require.NoError(t, err)
		_, err = c.MarkResult(id, &transport.Result{Data: map[string]any{"a": int64(1)}})
		require.NoError(t, err)
	}

	c.Reset([]string{"keep"})

	kept, ok := c.Get("keep")
	require.True(t, ok)
	require.Equal(t, StatusLoading, kept.Status(), "kept queries restart loading")
	_, ok = c.Get("drop")
	require.False(t, ok)
	require.Equal(t, []string{"keep"}, c.Actives())
}
