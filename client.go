package gqlcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gqlcache/gqlcache/internal/cache"
	"github.com/gqlcache/gqlcache/internal/eventbus"
	"github.com/gqlcache/gqlcache/internal/keys"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/logging"
	"github.com/gqlcache/gqlcache/internal/mutations"
	"github.com/gqlcache/gqlcache/internal/otel"
	"github.com/gqlcache/gqlcache/internal/queries"
	"github.com/gqlcache/gqlcache/internal/reader"
	"github.com/gqlcache/gqlcache/internal/store"
	"github.com/gqlcache/gqlcache/internal/transport"
)

// Client coordinates the normalized cache, the active query and mutation
// tables, and the transport.
type Client struct {
	cache     *cache.Cache
	queries   *queries.Coordinator
	mutations *mutations.Coordinator

	raw   transport.Transport
	dedup *transport.Deduplicator
	opts  Options

	mu          sync.Mutex
	observables map[string]*ObservableQuery

	closers []func(context.Context) error
}

// New builds a client over the given transport.
func New(t Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, errors.New("gqlcache: transport is required")
	}
	var o Options
	for _, f := range opts {
		f(&o)
	}

	eventbus.Use(eventbus.New())

	var identity keys.IdentityFn
	if o.Identity != nil {
		identity = keys.IdentityFn(o.Identity)
	}
	matcher := reader.NewMatcher(o.PossibleTypes, o.LooseMatching)

	c := &Client{
		cache:       cache.New(identity, matcher),
		queries:     queries.NewCoordinator(),
		raw:         t,
		dedup:       transport.NewDeduplicator(t),
		opts:        o,
		observables: map[string]*ObservableQuery{},
	}
	c.mutations = mutations.NewCoordinator(c.cache, c.queries)

	if o.Logger != nil {
		detach := logging.Attach(o.Logger)
		c.closers = append(c.closers, func(context.Context) error { detach(); return nil })
	}
	if o.OTLPEndpoint != "" {
		service := o.ServiceName
		if service == "" {
			service = "gqlcache"
		}
		shutdown, err := otel.Setup(o.OTLPEndpoint, service)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, shutdown)
	}
	return c, nil
}

// Close detaches observability subscribers and flushes exporters.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	for _, f := range c.closers {
		if err := f(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transportFor picks the deduplicated or the raw transport. Deduplication
// is opt-out: per request via forceFresh, or globally via the option.
func (c *Client) transportFor(forceFresh bool) transport.Transport {
	if forceFresh || c.opts.NoDeduplication {
		return c.raw
	}
	return c.dedup
}

func resolveDocument(source string, doc *QueryDocument) (*QueryDocument, error) {
	if doc != nil {
		return doc, nil
	}
	if source == "" {
		return nil, errors.New("gqlcache: a query string or document is required")
	}
	return language.ParseQuery(source)
}

func requireOperation(doc *QueryDocument, operationName string, kind language.Operation) (*language.OperationDefinition, error) {
	op, err := language.MainOperation(doc, operationName)
	if err != nil {
		return nil, err
	}
	if op.Operation != kind {
		return nil, fmt.Errorf("gqlcache: document defines a %s where a %s is required", op.Operation, kind)
	}
	return op, nil
}

// ---- cache proxy surface ----

// ReadQuery reads a fully satisfiable query out of the store; ErrNotFound
// when any selected field is missing.
func (c *Client) ReadQuery(o ReadQueryOptions) (map[string]any, error) {
	doc, err := resolveDocument(o.Query, o.Document)
	if err != nil {
		return nil, err
	}
	return c.cache.ReadQuery(doc, o.Variables, o.Optimistic)
}

// ReadFragment reads one fragment rooted at an entity; nil when the store
// cannot satisfy it.
func (c *Client) ReadFragment(o ReadFragmentOptions) (map[string]any, error) {
	doc, err := resolveDocument(o.Fragment, o.Document)
	if err != nil {
		return nil, err
	}
	return c.cache.ReadFragment(doc, o.FragmentName, store.EntityID(o.ID), o.Variables, o.Optimistic)
}

// WriteQuery normalizes data for a query document into the store.
func (c *Client) WriteQuery(o WriteQueryOptions) error {
	doc, err := resolveDocument(o.Query, o.Document)
	if err != nil {
		return err
	}
	return c.cache.WriteQuery(doc, o.Variables, o.Data)
}

// WriteFragment normalizes data for one fragment under an entity id.
func (c *Client) WriteFragment(o WriteFragmentOptions) error {
	doc, err := resolveDocument(o.Fragment, o.Document)
	if err != nil {
		return err
	}
	return c.cache.WriteFragment(doc, o.FragmentName, store.EntityID(o.ID), o.Variables, o.Data)
}

// Diff reads whatever the store holds for a query, reporting completeness.
func (c *Client) Diff(o DiffOptions) (DiffResult, error) {
	doc, err := resolveDocument(o.Query, o.Document)
	if err != nil {
		return DiffResult{}, err
	}
	return c.cache.Diff(doc, o.Variables, o.Optimistic, nil)
}

// Watch invokes callback after every write transaction that changed the
// query's result. The returned function unregisters the watcher.
func (c *Client) Watch(o DiffOptions, callback func(DiffResult)) (unsubscribe func(), err error) {
	doc, err := resolveDocument(o.Query, o.Document)
	if err != nil {
		return nil, err
	}
	return c.cache.Watch(doc, o.Variables, o.Optimistic, callback), nil
}

// PerformTransaction batches writes under one broadcast.
func (c *Client) PerformTransaction(fn func(*Txn) error) error {
	return c.cache.PerformTransaction(fn)
}

// RecordOptimisticTransaction applies fn as a removable optimistic patch.
func (c *Client) RecordOptimisticTransaction(id string, fn func(*Txn) error) error {
	return c.cache.RecordOptimisticTransaction(id, fn)
}

// RemoveOptimistic removes an optimistic patch and replays the rest.
func (c *Client) RemoveOptimistic(id string) {
	c.cache.RemoveOptimistic(id)
}

// Extract serializes the confirmed store for hydration.
func (c *Client) Extract() ([]byte, error) {
	return c.cache.Extract()
}

// Restore loads a previously extracted snapshot.
func (c *Client) Restore(serialized []byte) error {
	return c.cache.Restore(serialized)
}

// ResetStore clears the store, drops bookkeeping for inactive queries, and
// refetches every active observable query so watchers are not left acting
// on stale data.
func (c *Client) ResetStore(ctx context.Context) error {
	c.mu.Lock()
	active := make([]*ObservableQuery, 0, len(c.observables))
	keep := make([]string, 0, len(c.observables))
	for id, oq := range c.observables {
		active = append(active, oq)
		keep = append(keep, id)
	}
	c.mu.Unlock()

	c.queries.Reset(keep)
	c.cache.Reset()

	var errs []error
	for _, oq := range active {
		if err := oq.reload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Option structs for the proxy surface.

type ReadQueryOptions struct {
	Query      string
	Document   *QueryDocument
	Variables  map[string]any
	Optimistic bool
}

type ReadFragmentOptions struct {
	Fragment     string
	Document     *QueryDocument
	FragmentName string
	ID           string
	Variables    map[string]any
	Optimistic   bool
}

type WriteQueryOptions struct {
	Query     string
	Document  *QueryDocument
	Variables map[string]any
	Data      map[string]any
}

type WriteFragmentOptions struct {
	Fragment     string
	Document     *QueryDocument
	FragmentName string
	ID           string
	Variables    map[string]any
	Data         map[string]any
}

type DiffOptions struct {
	Query      string
	Document   *QueryDocument
	Variables  map[string]any
	Optimistic bool
}
