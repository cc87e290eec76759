// Package mutations sequences the mutation lifecycle: optimistic patch
// recording, store writes for real results, caller-registered query
// reducers, and settlement.
package mutations

import (
	"context"
	"fmt"
	"sync"

	"github.com/gqlcache/gqlcache/internal/cache"
	"github.com/gqlcache/gqlcache/internal/eventbus"
	"github.com/gqlcache/gqlcache/internal/events"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/queries"
	"github.com/gqlcache/gqlcache/internal/store"
	"github.com/gqlcache/gqlcache/internal/transport"
)

// UpdaterInfo accompanies a previous query result into a query updater.
type UpdaterInfo struct {
	MutationResult *transport.Result
	QueryName      string
	QueryVariables map[string]any
}

// QueryUpdater reduces a watched query's previous result against a
// mutation result. Returning nil leaves the query untouched.
type QueryUpdater func(previous map[string]any, info UpdaterInfo) map[string]any

// UpdateFn is the caller's imperative cache hook, run inside the mutation's
// write transaction.
type UpdateFn func(txn *cache.Txn, result *transport.Result)

// Options describes one mutation to the coordinator.
type Options struct {
	MutationID string
	Document   *language.QueryDocument
	Variables  map[string]any

	// OptimisticResponse is a payload value, or a func(variables)
	// payload, to apply speculatively before the real result arrives.
	OptimisticResponse any

	// Updaters maps active query ids to reducers run on settlement (and
	// against the optimistic response, inside the optimistic patch).
	Updaters map[string]QueryUpdater

	// Update runs inside the same write transaction as the result write.
	Update UpdateFn

	// WritePartialOnErrors opts into writing a result that carries
	// top-level GraphQL errors. Off by default to avoid caching invalid
	// partial data.
	WritePartialOnErrors bool
}

// ActiveMutation is the coordinator's bookkeeping for one mutation.
type ActiveMutation struct {
	ID        string
	Document  *language.QueryDocument
	Variables map[string]any
	Loading   bool
	Err       error

	optimistic bool
}

// Coordinator drives mutations against the cache and the query table.
type Coordinator struct {
	mu      sync.Mutex
	cache   *cache.Cache
	queries *queries.Coordinator
	active  map[string]*ActiveMutation
}

func NewCoordinator(c *cache.Cache, q *queries.Coordinator) *Coordinator {
	return &Coordinator{cache: c, queries: q, active: make(map[string]*ActiveMutation)}
}

// MarkInit registers the mutation and, when an optimistic response was
// supplied, synthesizes a fake success result and pushes it through the
// same code path as a real result inside an optimistic transaction. A
// failed optimistic apply unregisters the mutation again: no patch was
// retained, so there is nothing left to settle.
func (m *Coordinator) MarkInit(opts Options) error {
	m.mu.Lock()
	if _, ok := m.active[opts.MutationID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("mutation %q already active", opts.MutationID)
	}
	am := &ActiveMutation{ID: opts.MutationID, Document: opts.Document, Variables: opts.Variables, Loading: true}
	m.active[opts.MutationID] = am
	m.mu.Unlock()

	if opts.OptimisticResponse == nil {
		return nil
	}
	data, err := resolveOptimistic(opts)
	if err != nil {
		m.complete(opts.MutationID, err)
		return err
	}
	fake := &transport.Result{Data: data}
	am.optimistic = true
	if err := m.cache.RecordOptimisticTransaction(opts.MutationID, func(t *cache.Txn) error {
		return m.applyResult(t, fake, opts)
	}); err != nil {
		am.optimistic = false
		m.complete(opts.MutationID, err)
		return err
	}
	return nil
}

// MarkResult settles the mutation with its real result: the store write,
// the query updaters, the update callback and the removal of the
// optimistic patch all share one transaction, so exactly one broadcast
// fires for the settlement.
func (m *Coordinator) MarkResult(id string, res *transport.Result, opts Options) error {
	m.mu.Lock()
	am, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mutation %q is not active", id)
	}

	writable := len(res.Errors) == 0 || opts.WritePartialOnErrors
	err := m.cache.PerformTransaction(func(t *cache.Txn) error {
		if writable && res.Data != nil {
			if err := m.applyResult(t, res, opts); err != nil {
				return err
			}
		}
		if am.optimistic {
			t.RemoveOptimistic(id)
			am.optimistic = false
		}
		return nil
	})

	m.complete(id, err)
	return err
}

// MarkError settles the mutation with a transport failure, removing any
// optimistic patch. The store is left untouched.
func (m *Coordinator) MarkError(id string, cause error) {
	m.mu.Lock()
	am, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if am.optimistic {
		m.cache.RemoveOptimistic(id)
		am.optimistic = false
	}
	am.Err = cause
	m.complete(id, cause)
}

// Get looks up an active mutation.
func (m *Coordinator) Get(id string) (*ActiveMutation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	am, ok := m.active[id]
	return am, ok
}

func (m *Coordinator) complete(id string, err error) {
	m.mu.Lock()
	if am, ok := m.active[id]; ok {
		am.Loading = false
		am.Err = err
		delete(m.active, id)
	}
	m.mu.Unlock()
}

// applyResult writes a (real or synthesized) mutation payload and runs the
// caller's reducers. A reducer over an incomplete cached query is skipped:
// there is nothing sound to reduce over. A reducer or update callback that
// panics is caught, reported as an event, and the rest of the transaction
// completes.
func (m *Coordinator) applyResult(t *cache.Txn, res *transport.Result, opts Options) error {
	if err := t.WriteResult(opts.Document, store.RootMutationID, opts.Variables, res.Data); err != nil {
		return err
	}

	for queryID, updater := range opts.Updaters {
		q, ok := m.queries.Get(queryID)
		if !ok {
			continue
		}
		prev, err := t.DiffBase(q.Document, q.Variables)
		if err != nil || !prev.Complete {
			continue
		}
		info := UpdaterInfo{
			MutationResult: res,
			QueryName:      language.OperationName(q.Document),
			QueryVariables: q.Variables,
		}
		var next map[string]any
		if recovered := guard(func() { next = updater(prev.Data, info) }); recovered != nil {
			eventbus.Publish(context.Background(), events.UpdaterPanic{MutationID: opts.MutationID, QueryID: queryID, Recovered: recovered})
			continue
		}
		if next == nil {
			continue
		}
		if err := t.WriteQuery(q.Document, q.Variables, next); err != nil {
			return err
		}
	}

	if opts.Update != nil {
		if recovered := guard(func() { opts.Update(t, res) }); recovered != nil {
			eventbus.Publish(context.Background(), events.UpdaterPanic{MutationID: opts.MutationID, Recovered: recovered})
		}
	}
	return nil
}

func resolveOptimistic(opts Options) (map[string]any, error) {
	switch v := opts.OptimisticResponse.(type) {
	case map[string]any:
		return v, nil
	case func(variables map[string]any) map[string]any:
		return v(opts.Variables), nil
	default:
		return nil, fmt.Errorf("optimistic response must be a map or func(variables) map, got %T", opts.OptimisticResponse)
	}
}

func guard(fn func()) (recovered any) {
	defer func() { recovered = recover() }()
	fn()
	return nil
}
