package store

import "fmt"

// Sink receives normalized field writes. The confirmed base data and the
// optimistic overlay both implement it.
type Sink interface {
	Merge(id EntityID, key FieldKey, value any)
}

// Transaction is a recorded optimistic write. It must be free of side
// effects beyond its sink writes: removing an earlier patch replays every
// later transaction from scratch to rebuild consistent deltas.
type Transaction func(*Overlay)

// Patch is one optimistic layer: the delta a transaction produced relative
// to the snapshot it ran against, kept with the transaction for replay.
type Patch struct {
	ID   string
	Data Data

	fn Transaction
}

// Store is the shared mutable state of the cache: confirmed base data plus
// the ordered optimistic patch stack. It is not safe for concurrent use;
// the owning cache serializes access.
type Store struct {
	base    Data
	patches []*Patch
}

func New() *Store {
	return &Store{base: Data{}}
}

// Base returns the confirmed data as a writable sink. Only confirmed
// (non-optimistic) writes may mutate it.
func (s *Store) Base() Data { return s.base }

// View returns the read view: the base data alone, or the base with all
// optimistic patches layered in stack order (later patches win per entity).
func (s *Store) View(optimistic bool) View {
	if !optimistic || len(s.patches) == 0 {
		return s.base
	}
	return layered{base: s.base, patches: s.patches}
}

// RecordOptimistic runs fn against a snapshot of the current optimistic
// view and appends the captured delta as a named patch.
func (s *Store) RecordOptimistic(id string, fn Transaction) error {
	for _, p := range s.patches {
		if p.ID == id {
			return fmt.Errorf("optimistic patch %q already recorded", id)
		}
	}
	delta := capture(s.View(true), fn)
	s.patches = append(s.patches, &Patch{ID: id, Data: delta, fn: fn})
	return nil
}

// RemoveOptimistic drops the named patch and replays the remaining
// transactions in their original order against the base, rebuilding each
// delta as if the removed patch had never been applied. It reports whether
// the patch existed.
func (s *Store) RemoveOptimistic(id string) bool {
	idx := -1
	for i, p := range s.patches {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	remaining := append(s.patches[:idx:idx], s.patches[idx+1:]...)
	replayed := make([]*Patch, 0, len(remaining))
	for _, p := range remaining {
		view := layered{base: s.base, patches: replayed}
		replayed = append(replayed, &Patch{ID: p.ID, Data: capture(view, p.fn), fn: p.fn})
	}
	s.patches = replayed
	return true
}

// HasOptimistic reports whether any optimistic patch is applied.
func (s *Store) HasOptimistic() bool { return len(s.patches) > 0 }

// OptimisticCount returns the number of applied patches.
func (s *Store) OptimisticCount() int { return len(s.patches) }

// Reset discards both the base data and the optimistic stack.
func (s *Store) Reset() {
	s.base = Data{}
	s.patches = nil
}

func capture(view View, fn Transaction) Data {
	overlay := NewOverlay(view)
	fn(overlay)
	return overlay.Delta()
}

// layered resolves entity lookups through the patch stack from the top
// down, falling back to the base data.
type layered struct {
	base    Data
	patches []*Patch
}

func (l layered) Get(id EntityID) (Object, bool) {
	for i := len(l.patches) - 1; i >= 0; i-- {
		if obj, ok := l.patches[i].Data[id]; ok {
			return obj, true
		}
	}
	return l.base.Get(id)
}

// Overlay is a copy-on-write recording layer over a snapshot view. Writes
// copy the affected record into the overlay; the snapshot is never touched.
type Overlay struct {
	under View
	delta Data
}

func NewOverlay(under View) *Overlay {
	return &Overlay{under: under, delta: Data{}}
}

func (o *Overlay) Get(id EntityID) (Object, bool) {
	if obj, ok := o.delta[id]; ok {
		return obj, true
	}
	return o.under.Get(id)
}

func (o *Overlay) Merge(id EntityID, key FieldKey, value any) {
	obj, ok := o.delta[id]
	if !ok {
		if base, found := o.under.Get(id); found {
			obj = base.clone()
		} else {
			obj = Object{}
		}
		o.delta[id] = obj
	}
	obj[key] = value
}

// Delta returns the overlay's captured writes, dropping records that ended
// up identical to the snapshot.
func (o *Overlay) Delta() Data {
	out := Data{}
	for id, obj := range o.delta {
		if base, ok := o.under.Get(id); ok && equalObjects(base, obj) {
			continue
		}
		out[id] = obj
	}
	return out
}
