package mutations

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gqlcache/gqlcache/internal/cache"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/queries"
	"github.com/gqlcache/gqlcache/internal/reader"
	"github.com/gqlcache/gqlcache/internal/transport"
)

func mustParseQuery(t *testing.T, source string) *language.QueryDocument {
	t.Helper()
	doc, err := language.ParseQuery(source)
	require.NoError(t, err)
	return doc
}

type fixture struct {
	cache     *cache.Cache
	queries   *queries.Coordinator
	mutations *Coordinator

	queryDoc    *language.QueryDocument
	mutationDoc *language.QueryDocument
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cache:       cache.New(nil, nil),
		queries:     queries.NewCoordinator(),
		queryDoc:    mustParseQuery(t, `{ todo { __typename id done } }`),
		mutationDoc: mustParseQuery(t, `mutation { completeTodo { __typename id done } }`),
	}
	f.mutations = NewCoordinator(f.cache, f.queries)
	require.NoError(t, f.cache.WriteQuery(f.queryDoc, nil, map[string]any{
		"todo": map[string]any{"__typename": "Todo", "id": "1", "done": false},
	}))
	return f
}

func (f *fixture) watchDone(t *testing.T) *[]bool {
	t.Helper()
	var seen []bool
	f.cache.Watch(f.queryDoc, nil, true, func(res reader.Result) {
		seen = append(seen, res.Data["todo"].(map[string]any)["done"].(bool))
	})
	return &seen
}

func mutationResult(done bool) *transport.Result {
	return &transport.Result{Data: map[string]any{
		"completeTodo": map[string]any{"__typename": "Todo", "id": "1", "done": done},
	}}
}

func TestMutation_OptimisticLifecycle(t *testing.T) {
	f := newFixture(t)
	seen := f.watchDone(t)

	opts := Options{
		MutationID: "m1",
		Document:   f.mutationDoc,
		OptimisticResponse: map[string]any{
			"completeTodo": map[string]any{"__typename": "Todo", "id": "1", "done": true},
		},
	}
	require.NoError(t, f.mutations.MarkInit(opts))
	require.Equal(t, []bool{true}, *seen, "optimistic patch broadcast immediately")

	got, err := f.cache.ReadQuery(f.queryDoc, nil, false)
	require.NoError(t, err)
	require.False(t, got["todo"].(map[string]any)["done"].(bool),
		"confirmed data untouched while the patch is pending")

	require.NoError(t, f.mutations.MarkResult("m1", mutationResult(true), opts))

	// The result write and the patch removal share one transaction, so the
	// whole mutation costs exactly two broadcasts: apply and settle. Here
	// the settled value equals the optimistic one, so the second pass finds
	// the watcher's result unchanged and stays silent.
	require.Equal(t, []bool{true}, *seen)

	got, err = f.cache.ReadQuery(f.queryDoc, nil, false)
	require.NoError(t, err)
	require.True(t, got["todo"].(map[string]any)["done"].(bool))

	_, active := f.mutations.Get("m1")
	require.False(t, active)
}

func TestMutation_OptimisticDivergentResult(t *testing.T) {
	f := newFixture(t)

	var names []bool
	var broadcasts int
	f.cache.Watch(f.queryDoc, nil, true, func(res reader.Result) {
		broadcasts++
		names = append(names, res.Data["todo"].(map[string]any)["done"].(bool))
	})

	opts := Options{
		MutationID: "m1",
		Document:   f.mutationDoc,
		OptimisticResponse: func(variables map[string]any) map[string]any {
			return map[string]any{
				"completeTodo": map[string]any{"__typename": "Todo", "id": "1", "done": true},
			}
		},
	}
	require.NoError(t, f.mutations.MarkInit(opts))

	// Server disagrees with the speculation.
	result := &transport.Result{Data: map[string]any{
		"completeTodo": map[string]any{"__typename": "Todo", "id": "1", "done": false},
	}}
	require.NoError(t, f.mutations.MarkResult("m1", result, opts))

	require.Equal(t, 2, broadcasts, "one broadcast to apply, one to settle")
	require.Equal(t, []bool{true, false}, names)
}

func TestMutation_ErrorRollsBackPatch(t *testing.T) {
	f := newFixture(t)
	seen := f.watchDone(t)

	opts := Options{
		MutationID: "m1",
		Document:   f.mutationDoc,
		OptimisticResponse: map[string]any{
			"completeTodo": map[string]any{"__typename": "Todo", "id": "1", "done": true},
		},
	}
	require.NoError(t, f.mutations.MarkInit(opts))
	f.mutations.MarkError("m1", transport.GraphQLError{Message: "boom"})

	require.Equal(t, []bool{true, false}, *seen, "patch applied then rolled back")
	got, err := f.cache.ReadQuery(f.queryDoc, nil, true)
	require.NoError(t, err)
	require.False(t, got["todo"].(map[string]any)["done"].(bool))
}

func TestMutation_ResultWithErrorsNotWritten(t *testing.T) {
	f := newFixture(t)

	opts := Options{MutationID: "m1", Document: f.mutationDoc}
	require.NoError(t, f.mutations.MarkInit(opts))

	res := mutationResult(true)
	res.Errors = []transport.GraphQLError{{Message: "partial failure"}}
	require.NoError(t, f.mutations.MarkResult("m1", res, opts))

	got, err := f.cache.ReadQuery(f.queryDoc, nil, false)
	require.NoError(t, err)
	require.False(t, got["todo"].(map[string]any)["done"].(bool),
		"errored results stay out of the store by default")

	t.Run("opt-in writes anyway", func(t *testing.T) {
		opts := Options{MutationID: "m2", Document: f.mutationDoc, WritePartialOnErrors: true}
		require.NoError(t, f.mutations.MarkInit(opts))
		require.NoError(t, f.mutations.MarkResult("m2", res, opts))
		got, err := f.cache.ReadQuery(f.queryDoc, nil, false)
		require.NoError(t, err)
		require.True(t, got["todo"].(map[string]any)["done"].(bool))
	})
}

func TestMutation_QueryUpdaters(t *testing.T) {
	f := newFixture(t)
	listDoc := mustParseQuery(t, `{ todos { __typename id done } }`)
	require.NoError(t, f.cache.WriteQuery(listDoc, nil, map[string]any{
		"todos": []any{map[string]any{"__typename": "Todo", "id": "1", "done": false}},
	}))
	_, err := f.queries.Init("list", listDoc, nil, queries.KindInitial, false)
	require.NoError(t, err)

	addDoc := mustParseQuery(t, `mutation { addTodo { __typename id done } }`)
	opts := Options{
		MutationID: "m1",
		Document:   addDoc,
		Updaters: map[string]QueryUpdater{
			"list": func(previous map[string]any, info UpdaterInfo) map[string]any {
				added := info.MutationResult.Data["addTodo"]
				return map[string]any{
					"todos": append(previous["todos"].([]any), added),
				}
			},
			"gone": func(previous map[string]any, info UpdaterInfo) map[string]any {
				t.Fatal("updater for an inactive query must not run")
				return nil
			},
		},
	}
	require.NoError(t, f.mutations.MarkInit(opts))
	require.NoError(t, f.mutations.MarkResult("m1", &transport.Result{Data: map[string]any{
		"addTodo": map[string]any{"__typename": "Todo", "id": "2", "done": false},
	}}, opts))

	got, err := f.cache.ReadQuery(listDoc, nil, false)
	require.NoError(t, err)
	require.Len(t, got["todos"].([]any), 2)
}

func TestMutation_UpdaterPanicIsContained(t *testing.T) {
	f := newFixture(t)
	_, err := f.queries.Init("q", f.queryDoc, nil, queries.KindInitial, false)
	require.NoError(t, err)

	opts := Options{
		MutationID: "m1",
		Document:   f.mutationDoc,
		Updaters: map[string]QueryUpdater{
			"q": func(previous map[string]any, info UpdaterInfo) map[string]any {
				panic("updater bug")
			},
		},
	}
	require.NoError(t, f.mutations.MarkInit(opts))
	require.NoError(t, f.mutations.MarkResult("m1", mutationResult(true), opts),
		"a panicking updater must not fail the mutation")

	got, err := f.cache.ReadQuery(f.queryDoc, nil, false)
	require.NoError(t, err)
	require.True(t, got["todo"].(map[string]any)["done"].(bool),
		"the result write itself must survive the panic")
}

func TestMutation_UpdateCallback(t *testing.T) {
	f := newFixture(t)

	var sawResult bool
	opts := Options{
		MutationID: "m1",
		Document:   f.mutationDoc,
		Update: func(txn *cache.Txn, result *transport.Result) {
			sawResult = result.Data != nil
			extra := mustParseQuery(t, `{ lastCompleted }`)
			_ = txn.WriteQuery(extra, nil, map[string]any{"lastCompleted": "1"})
		},
	}
	require.NoError(t, f.mutations.MarkInit(opts))
	require.NoError(t, f.mutations.MarkResult("m1", mutationResult(true), opts))
	require.True(t, sawResult)

	got, err := f.cache.ReadQuery(mustParseQuery(t, `{ lastCompleted }`), nil, false)
	require.NoError(t, err)
	require.Equal(t, "1", got["lastCompleted"])
}

func TestMutation_DuplicateAndUnknownIDs(t *testing.T) {
	f := newFixture(t)
	opts := Options{MutationID: "m1", Document: f.mutationDoc}
	require.NoError(t, f.mutations.MarkInit(opts))
	require.Error(t, f.mutations.MarkInit(opts))
	require.Error(t, f.mutations.MarkResult("unknown", mutationResult(true), opts))
}

func TestMutation_InvalidOptimisticResponse(t *testing.T) {
	f := newFixture(t)
	opts := Options{MutationID: "m1", Document: f.mutationDoc, OptimisticResponse: 42}
	require.Error(t, f.mutations.MarkInit(opts))

	_, active := f.mutations.Get("m1")
	require.False(t, active, "a rejected mutation must not stay registered")

	opts.OptimisticResponse = nil
	require.NoError(t, f.mutations.MarkInit(opts), "the id is free again after the failure")
}

// An optimistic apply whose write fails must leave nothing behind: no
// patch in the cache, no broadcast, no registered mutation.
func TestMutation_FailedOptimisticApplyUnregisters(t *testing.T) {
	f := newFixture(t)
	seen := f.watchDone(t)

	opts := Options{
		MutationID: "m1",
		Document:   f.mutationDoc,
		// Missing __typename makes the optimistic write fail.
		OptimisticResponse: map[string]any{
			"completeTodo": map[string]any{"id": "1", "done": true},
		},
	}
	require.Error(t, f.mutations.MarkInit(opts))
	require.Empty(t, *seen, "a failed apply must not broadcast")

	_, active := f.mutations.Get("m1")
	require.False(t, active)

	got, err := f.cache.ReadQuery(f.queryDoc, nil, true)
	require.NoError(t, err)
	require.False(t, got["todo"].(map[string]any)["done"].(bool),
		"the failed apply's writes must not be visible optimistically")
}
