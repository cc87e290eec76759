// Package events defines the plain event structs the cache publishes on
// the eventbus.
package events

// StoreWrite is emitted after a write transaction commits to the store.
type StoreWrite struct {
	RootID     string
	Entities   int
	Optimistic bool
}

// Broadcast is emitted after watchers were notified of a store change.
type Broadcast struct {
	Watchers int
}

// OptimisticApplied is emitted when an optimistic patch is recorded.
type OptimisticApplied struct {
	PatchID string
}

// OptimisticRemoved is emitted when an optimistic patch is removed and the
// remaining stack replayed.
type OptimisticRemoved struct {
	PatchID  string
	Replayed int
}

// StoreReset is emitted when the whole store is cleared.
type StoreReset struct{}
