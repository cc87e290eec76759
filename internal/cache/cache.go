// Package cache ties the normalized store, writer and reader together into
// the read/write surface the coordinators and UI bindings consume: query and
// fragment reads and writes, diffing, watches, transactions and the
// optimistic layer.
package cache

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/gqlcache/gqlcache/internal/eventbus"
	"github.com/gqlcache/gqlcache/internal/events"
	"github.com/gqlcache/gqlcache/internal/keys"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/reader"
	"github.com/gqlcache/gqlcache/internal/store"
	"github.com/gqlcache/gqlcache/internal/writer"
)

// ErrNotFound is returned by ReadQuery when the store cannot satisfy the
// full selection set.
var ErrNotFound = errors.New("query data not found in store")

// Cache is the normalized cache. All store access is serialized through its
// mutex; normalize, denormalize and broadcast run synchronously, so no
// watcher ever observes a partially written store.
type Cache struct {
	mu     sync.Mutex
	store  *store.Store
	writer *writer.Writer
	reader *reader.Reader

	watches   map[int]*watch
	nextWatch int

	inTx         bool
	dirty        bool
	broadcasting bool
	rebroadcast  bool
}

type watch struct {
	document   *language.QueryDocument
	variables  map[string]any
	optimistic bool
	callback   func(reader.Result)
	last       map[string]any
}

func New(identity keys.IdentityFn, matcher *reader.Matcher) *Cache {
	return &Cache{
		store:   store.New(),
		writer:  writer.New(identity),
		reader:  reader.New(matcher),
		watches: map[int]*watch{},
	}
}

// ReadQuery denormalizes the document's data out of the store, failing with
// ErrNotFound when any selected field is missing.
func (c *Cache) ReadQuery(doc *language.QueryDocument, variables map[string]any, optimistic bool) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.reader.Diff(doc, rootForDocument(doc), variables, c.store.View(optimistic), nil)
	if err != nil {
		return nil, err
	}
	if !res.Complete {
		return nil, ErrNotFound
	}
	return res.Data, nil
}

// ReadFragment reads one fragment rooted at an entity id. It returns nil
// (no error) when the store cannot satisfy the fragment.
func (c *Cache) ReadFragment(doc *language.QueryDocument, fragmentName string, id store.EntityID, variables map[string]any, optimistic bool) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.reader.DiffFragment(doc, fragmentName, id, variables, c.store.View(optimistic), nil)
	if err != nil {
		return nil, err
	}
	if !res.Complete {
		return nil, nil
	}
	return res.Data, nil
}

// Diff reads whatever the store holds for the document, reporting
// completeness. previous enables referential reuse of unchanged subtrees.
func (c *Cache) Diff(doc *language.QueryDocument, variables map[string]any, optimistic bool, previous map[string]any) (reader.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader.Diff(doc, rootForDocument(doc), variables, c.store.View(optimistic), previous)
}

// WriteQuery normalizes data for the document into the confirmed store and
// broadcasts once.
func (c *Cache) WriteQuery(doc *language.QueryDocument, variables map[string]any, data map[string]any) error {
	c.mu.Lock()
	err := c.writeLocked(doc, rootForDocument(doc), variables, data)
	c.mu.Unlock()
	c.broadcast()
	return err
}

// WriteFragment normalizes data for one fragment under an explicit entity.
func (c *Cache) WriteFragment(doc *language.QueryDocument, fragmentName string, id store.EntityID, variables map[string]any, data map[string]any) error {
	c.mu.Lock()
	sink := &countingSink{inner: c.store.Base()}
	err := c.writer.WriteFragment(doc, fragmentName, id, variables, data, sink)
	if err == nil {
		c.afterWriteLocked(string(id), sink.entities(), false)
	}
	c.mu.Unlock()
	c.broadcast()
	return err
}

// Watch registers a callback invoked after every write transaction whose
// outcome changed the watcher's result. The returned function unregisters
// it; dropping the last watcher is the caller's signal to stop fetching,
// not the cache's.
func (c *Cache) Watch(doc *language.QueryDocument, variables map[string]any, optimistic bool, callback func(reader.Result)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatch++
	id := c.nextWatch
	c.watches[id] = &watch{document: doc, variables: variables, optimistic: optimistic, callback: callback}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watches, id)
	}
}

// PerformTransaction batches several reads and writes under one lock hold
// and fires at most one broadcast for all of them.
func (c *Cache) PerformTransaction(fn func(*Txn) error) error {
	c.mu.Lock()
	c.inTx = true
	err := fn(&Txn{cache: c, sink: c.store.Base(), view: c.store.View(false)})
	c.inTx = false
	c.mu.Unlock()
	c.broadcast()
	return err
}

// RecordOptimisticTransaction runs fn against a snapshot of the optimistic
// view, captures only the delta as a named patch, and broadcasts. fn is
// retained: removing another patch replays it, so it must be free of side
// effects beyond its cache writes. When fn returns an error its patch is
// discarded before anything becomes visible: a failed transaction has no
// owner left to remove its speculative writes.
func (c *Cache) RecordOptimisticTransaction(id string, fn func(*Txn) error) error {
	c.mu.Lock()
	var txErr error
	err := c.store.RecordOptimistic(id, func(overlay *store.Overlay) {
		txErr = fn(&Txn{cache: c, sink: overlay, view: overlay})
	})
	if err == nil && txErr != nil {
		c.store.RemoveOptimistic(id)
	}
	if err == nil && txErr == nil {
		c.dirty = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if txErr != nil {
		return txErr
	}
	eventbus.Publish(context.Background(), events.OptimisticApplied{PatchID: id})
	c.broadcast()
	return nil
}

// RemoveOptimistic removes the named patch and replays the rest.
func (c *Cache) RemoveOptimistic(id string) {
	c.mu.Lock()
	removed := c.store.RemoveOptimistic(id)
	if removed {
		c.dirty = true
	}
	replayed := c.store.OptimisticCount()
	c.mu.Unlock()
	if removed {
		eventbus.Publish(context.Background(), events.OptimisticRemoved{PatchID: id, Replayed: replayed})
		c.broadcast()
	}
}

// Reset clears the store and the optimistic stack and notifies watchers.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.store.Reset()
	c.dirty = true
	c.mu.Unlock()
	eventbus.Publish(context.Background(), events.StoreReset{})
	c.broadcast()
}

// Extract serializes the confirmed store for hydration.
func (c *Cache) Extract() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Extract()
}

// Restore replaces the store contents from an extracted snapshot.
func (c *Cache) Restore(serialized []byte) error {
	c.mu.Lock()
	err := c.store.Restore(serialized)
	if err == nil {
		c.dirty = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.broadcast()
	return nil
}

func (c *Cache) writeLocked(doc *language.QueryDocument, rootID store.EntityID, variables map[string]any, data map[string]any) error {
	sink := &countingSink{inner: c.store.Base()}
	if err := c.writer.Write(doc, rootID, variables, data, sink); err != nil {
		return err
	}
	c.afterWriteLocked(string(rootID), sink.entities(), false)
	return nil
}

func (c *Cache) afterWriteLocked(rootID string, entities int, optimistic bool) {
	c.dirty = true
	eventbus.Publish(context.Background(), events.StoreWrite{RootID: rootID, Entities: entities, Optimistic: optimistic})
}

// broadcast re-reads every watcher and invokes callbacks whose results
// changed. Callbacks run outside the lock; a write issued from inside a
// callback does not broadcast mid-broadcast but queues one follow-up pass.
func (c *Cache) broadcast() {
	c.mu.Lock()
	if c.inTx || !c.dirty {
		c.mu.Unlock()
		return
	}
	if c.broadcasting {
		c.rebroadcast = true
		c.mu.Unlock()
		return
	}
	c.broadcasting = true

	for {
		c.dirty = false
		type notification struct {
			callback func(reader.Result)
			result   reader.Result
		}
		var pending []notification
		for _, w := range c.watches {
			res, err := c.reader.Diff(w.document, rootForDocument(w.document), w.variables, c.store.View(w.optimistic), w.last)
			if err != nil {
				continue
			}
			if w.last != nil && sameMap(res.Data, w.last) {
				continue
			}
			w.last = res.Data
			pending = append(pending, notification{callback: w.callback, result: res})
		}
		c.mu.Unlock()

		for _, n := range pending {
			n.callback(n.result)
		}
		eventbus.Publish(context.Background(), events.Broadcast{Watchers: len(pending)})

		c.mu.Lock()
		if !c.rebroadcast && !c.dirty {
			break
		}
		c.rebroadcast = false
	}
	c.broadcasting = false
	c.mu.Unlock()
}

// rootForDocument picks the reserved root id for a document's operation.
func rootForDocument(doc *language.QueryDocument) store.EntityID {
	if doc != nil && len(doc.Operations) > 0 && doc.Operations[0].Operation == language.Mutation {
		return store.RootMutationID
	}
	if doc != nil && len(doc.Operations) > 0 && doc.Operations[0].Operation == language.Subscription {
		return store.RootSubscriptionID
	}
	return store.RootQueryID
}

// sameMap reports map identity (same underlying map), the signal that the
// reader reused the previous result wholesale.
func sameMap(a, b map[string]any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// countingSink counts distinct entities touched by one write.
type countingSink struct {
	inner store.Sink
	seen  map[store.EntityID]struct{}
}

func (s *countingSink) Merge(id store.EntityID, key store.FieldKey, value any) {
	if s.seen == nil {
		s.seen = map[store.EntityID]struct{}{}
	}
	s.seen[id] = struct{}{}
	s.inner.Merge(id, key, value)
}

func (s *countingSink) entities() int { return len(s.seen) }
