// Package queries tracks every active logical query: its document,
// variables, network status and last delivered result, including the merge
// of incremental (deferred/streamed) follow-up payloads.
package queries

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/transport"
)

var (
	// ErrDocumentMismatch reports a query id re-initialized with a
	// structurally different document. This is a caller bug.
	ErrDocumentMismatch = errors.New("query re-initialized with a different document")

	// ErrPatchOrdering reports an incremental payload whose path's parent
	// has not been delivered yet; applying it would corrupt the result.
	ErrPatchOrdering = errors.New("incremental payload arrived before its parent was resolved")

	// ErrUnknownQuery reports an operation on a query id that is not
	// (or no longer) active.
	ErrUnknownQuery = errors.New("unknown query id")
)

// FetchKind is the reason a query (re-)enters the network.
type FetchKind int

const (
	KindInitial FetchKind = iota
	KindSetVariables
	KindRefetch
	KindPoll
	KindFetchMore
)

// ActiveQuery is the coordinator's bookkeeping for one logical query.
type ActiveQuery struct {
	ID                string
	Document          *language.QueryDocument
	Variables         map[string]any
	PreviousVariables map[string]any
	LastErrors        []transport.GraphQLError

	machine *statusMachine
	// last fully assembled result data, the base incremental payloads
	// merge into
	lastData map[string]any
}

// Status returns the query's current network status.
func (q *ActiveQuery) Status() NetworkStatus { return q.machine.current() }

// Coordinator owns the active query table.
type Coordinator struct {
	mu      sync.Mutex
	queries map[string]*ActiveQuery
}

func NewCoordinator() *Coordinator {
	return &Coordinator{queries: make(map[string]*ActiveQuery)}
}

// Init registers a query id or transitions an existing one into a new
// fetch. Re-initializing with a structurally different document is fatal.
// Previous variables are captured only when requested and the query is not
// still loading: an unsettled query has no result tied to its variables.
func (c *Coordinator) Init(id string, doc *language.QueryDocument, variables map[string]any, kind FetchKind, storePreviousVariables bool) (*ActiveQuery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[id]
	if !ok {
		q = &ActiveQuery{ID: id, Document: doc, Variables: variables, machine: newStatusMachine()}
		c.queries[id] = q
		return q, nil
	}

	if !language.Equal(q.Document, doc) {
		return nil, fmt.Errorf("%w: query %s", ErrDocumentMismatch, id)
	}
	if storePreviousVariables && q.Status() != StatusLoading {
		q.PreviousVariables = q.Variables
	}
	q.Variables = variables

	var err error
	switch kind {
	case KindSetVariables:
		err = q.machine.fire(eventSetVariables)
	case KindRefetch:
		err = q.machine.fire(eventRefetch)
	case KindPoll:
		err = q.machine.fire(eventPoll)
	case KindFetchMore:
		err = q.machine.fire(eventFetchMore)
	default:
		err = q.machine.fire(eventReload)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", id, err)
	}
	return q, nil
}

// Get looks up an active query.
func (c *Coordinator) Get(id string) (*ActiveQuery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[id]
	return q, ok
}

// MarkResult folds one transport payload into the query and returns the
// full result data to write to the store. A complete payload replaces the
// query's result; a patch payload merges into it at its path. The payload
// data is deep-copied before it is retained: deduplicated fetches hand the
// same Result to every subscriber, and a patch merge into one query's base
// must not mutate a map another query is concurrently reading.
func (c *Coordinator) MarkResult(id string, res *transport.Result) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}

	if res.IsPatch() {
		if q.lastData == nil {
			return nil, fmt.Errorf("%w: no prior result for query %s", ErrPatchOrdering, id)
		}
		if err := applyPatch(q.lastData, res); err != nil {
			return nil, err
		}
		return q.lastData, nil
	}

	q.lastData = copyData(res.Data)
	q.LastErrors = res.Errors
	if !res.HasNext {
		if err := q.machine.fire(eventSucceed); err != nil {
			return nil, fmt.Errorf("query %s: %w", id, err)
		}
	}
	return q.lastData, nil
}

// MarkDone settles a query that ended its incremental stream without a
// trailing complete payload.
func (c *Coordinator) MarkDone(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}
	if q.Status().Fetching() {
		return q.machine.fire(eventSucceed)
	}
	return nil
}

// MarkError moves a query into the error state, recording GraphQL errors
// when the failure carried any.
func (c *Coordinator) MarkError(id string, errs []transport.GraphQLError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}
	q.LastErrors = errs
	if q.Status().Fetching() {
		return q.machine.fire(eventFail)
	}
	return nil
}

// Stop removes a query's bookkeeping; called when its last watcher
// unsubscribes.
func (c *Coordinator) Stop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queries, id)
}

// Reset drops every query except those in keep, forcing the kept ones back
// to loading so listeners do not act on stale partial data while their
// refetch is pending.
func (c *Coordinator) Reset(keep []string) {
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, q := range c.queries {
		if _, ok := kept[id]; !ok {
			delete(c.queries, id)
			continue
		}
		q.machine = newStatusMachine()
		q.lastData = nil
		q.LastErrors = nil
	}
}

// Actives returns the ids of all active queries.
func (c *Coordinator) Actives() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.queries))
	for id := range c.queries {
		ids = append(ids, id)
	}
	return ids
}
