package cache

import (
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/reader"
	"github.com/gqlcache/gqlcache/internal/store"
)

// Txn is the proxy handed to transaction functions. It operates under the
// cache's lock without re-locking and routes writes to the transaction's
// sink: the confirmed base data for regular transactions, the recording
// overlay for optimistic ones.
type Txn struct {
	cache *Cache
	sink  store.Sink
	view  store.View
}

// ReadQuery reads through the transaction's view; for optimistic
// transactions that is the snapshot the transaction runs against.
func (t *Txn) ReadQuery(doc *language.QueryDocument, variables map[string]any) (map[string]any, error) {
	res, err := t.Diff(doc, variables, nil)
	if err != nil {
		return nil, err
	}
	if !res.Complete {
		return nil, ErrNotFound
	}
	return res.Data, nil
}

func (t *Txn) Diff(doc *language.QueryDocument, variables map[string]any, previous map[string]any) (reader.Result, error) {
	return t.cache.reader.Diff(doc, rootForDocument(doc), variables, t.view, previous)
}

// DiffBase reads the confirmed (non-optimistic) data regardless of the
// transaction's own view. Mutation query-updaters reduce over it so that
// speculative data never feeds a reducer.
func (t *Txn) DiffBase(doc *language.QueryDocument, variables map[string]any) (reader.Result, error) {
	return t.cache.reader.Diff(doc, rootForDocument(doc), variables, t.cache.store.View(false), nil)
}

func (t *Txn) WriteQuery(doc *language.QueryDocument, variables map[string]any, data map[string]any) error {
	return t.write(doc, rootForDocument(doc), variables, data)
}

// WriteResult normalizes a payload under an explicit root id; mutation
// results land under ROOT_MUTATION this way.
func (t *Txn) WriteResult(doc *language.QueryDocument, rootID store.EntityID, variables map[string]any, data map[string]any) error {
	return t.write(doc, rootID, variables, data)
}

func (t *Txn) WriteFragment(doc *language.QueryDocument, fragmentName string, id store.EntityID, variables map[string]any, data map[string]any) error {
	sink := &countingSink{inner: t.sink}
	if err := t.cache.writer.WriteFragment(doc, fragmentName, id, variables, data, sink); err != nil {
		return err
	}
	t.cache.afterWriteLocked(string(id), sink.entities(), t.optimistic())
	return nil
}

// RemoveOptimistic removes a patch inside the transaction, so the removal
// shares the transaction's single broadcast.
func (t *Txn) RemoveOptimistic(id string) {
	if t.cache.store.RemoveOptimistic(id) {
		t.cache.dirty = true
	}
}

func (t *Txn) write(doc *language.QueryDocument, rootID store.EntityID, variables map[string]any, data map[string]any) error {
	sink := &countingSink{inner: t.sink}
	if err := t.cache.writer.Write(doc, rootID, variables, data, sink); err != nil {
		return err
	}
	t.cache.afterWriteLocked(string(rootID), sink.entities(), t.optimistic())
	return nil
}

func (t *Txn) optimistic() bool {
	_, ok := t.sink.(*store.Overlay)
	return ok
}
