package gqlcache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gqlcache/gqlcache/internal/keys"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/queries"
	"github.com/gqlcache/gqlcache/internal/reader"
)

// WatchUpdate is one notification delivered to an observable query's
// subscribers.
type WatchUpdate struct {
	Data     map[string]any
	Complete bool
	Errors   []GraphQLError
	Status   NetworkStatus
}

// ObservableQuery is one actively watched logical query. Subscribers share
// its bookkeeping; the query is destroyed when the last one unsubscribes.
type ObservableQuery struct {
	c      *Client
	id     string
	doc    *QueryDocument
	opName string
	reqCtx map[string]any

	partial       bool
	writeOnErrors bool

	mu        sync.Mutex
	variables map[string]any
	subs      map[int]func(WatchUpdate)
	nextSub   int
	unwatch   func()
	pollStop  chan struct{}
	destroyed bool
}

// WatchQuery registers a logical query for observation. Call Subscribe to
// attach callbacks and Fetch to populate it.
func (c *Client) WatchQuery(req QueryRequest) (*ObservableQuery, error) {
	doc, err := resolveDocument(req.Query, req.Document)
	if err != nil {
		return nil, err
	}
	if _, err := requireOperation(doc, req.OperationName, language.Query); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if _, err := c.queries.Init(id, doc, req.Variables, queries.KindInitial, false); err != nil {
		return nil, err
	}

	oq := &ObservableQuery{
		c:             c,
		id:            id,
		doc:           doc,
		opName:        req.OperationName,
		reqCtx:        req.Context,
		partial:       req.ReturnPartialData,
		writeOnErrors: req.WritePartialOnErrors,
		variables:     req.Variables,
		subs:          map[int]func(WatchUpdate){},
	}

	c.mu.Lock()
	c.observables[id] = oq
	c.mu.Unlock()
	return oq, nil
}

// ID returns the query id, usable as an updater key in mutations.
func (o *ObservableQuery) ID() string { return o.id }

// Status returns the query's network status.
func (o *ObservableQuery) Status() NetworkStatus {
	q, ok := o.c.queries.Get(o.id)
	if !ok {
		return StatusError
	}
	return q.Status()
}

// Subscribe attaches a callback for store changes affecting this query.
// The first subscriber registers the cache watch; dropping the last one
// destroys the query's bookkeeping. An in-flight deduplicated fetch is not
// cancelled by unsubscribing; its result is simply no longer delivered
// here.
func (o *ObservableQuery) Subscribe(callback func(WatchUpdate)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSub++
	subID := o.nextSub
	o.subs[subID] = callback
	if o.unwatch == nil {
		o.unwatch = o.c.cache.Watch(o.doc, o.variables, true, o.onResult)
	}
	return func() {
		o.mu.Lock()
		delete(o.subs, subID)
		last := len(o.subs) == 0
		o.mu.Unlock()
		if last {
			o.destroy()
		}
	}
}

// Fetch populates the query: a complete cached result settles it without a
// network round trip, anything else goes to the transport.
func (o *ObservableQuery) Fetch(ctx context.Context) error {
	o.mu.Lock()
	vars := o.variables
	o.mu.Unlock()

	diff, err := o.c.cache.Diff(o.doc, vars, true, nil)
	if err != nil {
		return err
	}
	if diff.Complete {
		if err := o.c.queries.MarkDone(o.id); err != nil {
			return err
		}
		o.deliver(diff)
		return nil
	}
	_, err = o.c.fetch(ctx, o.id, o.doc, o.opName, vars, o.reqCtx, false, o.writeOnErrors)
	return err
}

// Refetch forces a fresh network round trip, bypassing deduplication.
func (o *ObservableQuery) Refetch(ctx context.Context) error {
	o.mu.Lock()
	vars := o.variables
	o.mu.Unlock()
	if _, err := o.c.queries.Init(o.id, o.doc, vars, queries.KindRefetch, false); err != nil {
		return err
	}
	_, err := o.c.fetch(ctx, o.id, o.doc, o.opName, vars, o.reqCtx, true, o.writeOnErrors)
	return err
}

// SetVariables switches the query to new variables, remembering the
// previous ones, and fetches. Setting structurally identical variables is
// a no-op.
func (o *ObservableQuery) SetVariables(ctx context.Context, variables map[string]any) error {
	o.mu.Lock()
	if keys.StableJSON(variables) == keys.StableJSON(o.variables) {
		o.mu.Unlock()
		return nil
	}
	if _, err := o.c.queries.Init(o.id, o.doc, variables, queries.KindSetVariables, true); err != nil {
		o.mu.Unlock()
		return err
	}
	o.variables = variables
	if o.unwatch != nil {
		o.unwatch()
		o.unwatch = o.c.cache.Watch(o.doc, variables, true, o.onResult)
	}
	o.mu.Unlock()
	_, err := o.c.fetch(ctx, o.id, o.doc, o.opName, variables, o.reqCtx, false, o.writeOnErrors)
	return err
}

// FetchMoreOptions describe a pagination fetch. Merging the new page into
// the query's result is the caller's UpdateQuery reducer's business; the
// cache guesses no list-merge strategy.
type FetchMoreOptions struct {
	// Variables are merged over the query's current variables.
	Variables map[string]any

	// UpdateQuery reduces the previous result and the fetched page into
	// the query's new result. Returning nil leaves the query unchanged.
	UpdateQuery func(previous, fetchMoreResult map[string]any, variables map[string]any) map[string]any
}

// FetchMore fetches an additional page and folds it into this query via
// the caller's reducer. Sibling queries are unaffected.
func (o *ObservableQuery) FetchMore(ctx context.Context, opts FetchMoreOptions) error {
	o.mu.Lock()
	baseVars := o.variables
	o.mu.Unlock()

	merged := make(map[string]any, len(baseVars)+len(opts.Variables))
	for k, v := range baseVars {
		merged[k] = v
	}
	for k, v := range opts.Variables {
		merged[k] = v
	}

	if _, err := o.c.queries.Init(o.id, o.doc, baseVars, queries.KindFetchMore, false); err != nil {
		return err
	}

	// The page is fetched off-cache: writing it through the normal path
	// would overwrite the watched query's own fields (connection keys
	// collapse pages onto one store key) before the reducer could read the
	// previous result. The reducer alone decides what lands in the store.
	page, err := o.c.fetchDetached(ctx, o.doc, o.opName, merged, o.reqCtx)
	if err != nil {
		_ = o.c.queries.MarkError(o.id, nil)
		return err
	}

	if opts.UpdateQuery != nil {
		prev, derr := o.c.cache.Diff(o.doc, baseVars, false, nil)
		if derr == nil && prev.Complete {
			if next := opts.UpdateQuery(prev.Data, page, merged); next != nil {
				if werr := o.c.cache.WriteQuery(o.doc, baseVars, next); werr != nil {
					return werr
				}
			}
		}
	} else if page != nil {
		if werr := o.c.cache.WriteQuery(o.doc, merged, page); werr != nil {
			return werr
		}
	}
	return o.c.queries.MarkDone(o.id)
}

// StartPolling refetches the query at the given interval until StopPolling
// or destruction. Polls share in-flight deduplication.
func (o *ObservableQuery) StartPolling(interval time.Duration) {
	o.mu.Lock()
	if o.pollStop != nil || o.destroyed {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.pollStop = stop
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.mu.Lock()
				vars := o.variables
				o.mu.Unlock()
				if _, err := o.c.queries.Init(o.id, o.doc, vars, queries.KindPoll, false); err != nil {
					continue
				}
				_, _ = o.c.fetch(context.Background(), o.id, o.doc, o.opName, vars, o.reqCtx, false, o.writeOnErrors)
			}
		}
	}()
}

// StopPolling stops a running poll loop.
func (o *ObservableQuery) StopPolling() {
	o.mu.Lock()
	if o.pollStop != nil {
		close(o.pollStop)
		o.pollStop = nil
	}
	o.mu.Unlock()
}

// reload refetches after a store reset; the coordinator already forced the
// query back to loading.
func (o *ObservableQuery) reload(ctx context.Context) error {
	o.mu.Lock()
	vars := o.variables
	o.mu.Unlock()
	_, err := o.c.fetch(ctx, o.id, o.doc, o.opName, vars, o.reqCtx, false, o.writeOnErrors)
	return err
}

func (o *ObservableQuery) destroy() {
	o.StopPolling()
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	if o.unwatch != nil {
		o.unwatch()
		o.unwatch = nil
	}
	o.mu.Unlock()

	o.c.queries.Stop(o.id)
	o.c.mu.Lock()
	delete(o.c.observables, o.id)
	o.c.mu.Unlock()
}

// onResult fans a cache re-read out to subscribers.
func (o *ObservableQuery) onResult(res reader.Result) {
	o.deliver(res)
}

func (o *ObservableQuery) deliver(res reader.Result) {
	if !res.Complete && !o.partial {
		return
	}
	var errs []GraphQLError
	status := StatusReady
	if q, ok := o.c.queries.Get(o.id); ok {
		errs = q.LastErrors
		status = q.Status()
	}
	o.mu.Lock()
	callbacks := make([]func(WatchUpdate), 0, len(o.subs))
	for _, cb := range o.subs {
		callbacks = append(callbacks, cb)
	}
	o.mu.Unlock()
	update := WatchUpdate{Data: res.Data, Complete: res.Complete, Errors: errs, Status: status}
	for _, cb := range callbacks {
		cb(update)
	}
}
