// Package gqlcache is a client-side GraphQL data layer: it executes
// queries and mutations through a pluggable transport, normalizes results
// into a flat entity store, and serves consistent, deduplicated,
// incrementally updated results to any number of concurrent watchers.
package gqlcache

import (
	"github.com/gqlcache/gqlcache/internal/cache"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/mutations"
	"github.com/gqlcache/gqlcache/internal/queries"
	"github.com/gqlcache/gqlcache/internal/reader"
	"github.com/gqlcache/gqlcache/internal/store"
	"github.com/gqlcache/gqlcache/internal/transport"
)

// Re-exported boundary types. Host applications implement Transport and
// exchange these shapes with the cache.
type (
	Transport         = transport.Transport
	TransportFunc     = transport.Func
	Request           = transport.Request
	Result            = transport.Result
	Payload           = transport.Payload
	GraphQLError      = transport.GraphQLError
	IncrementalResult = transport.IncrementalResult

	QueryDocument = language.QueryDocument

	EntityID = store.EntityID

	NetworkStatus = queries.NetworkStatus

	// DiffResult is a store read outcome: the (possibly partial) data and
	// whether the store satisfied the whole selection.
	DiffResult = reader.Result

	// Txn is the proxy passed to transaction functions.
	Txn = cache.Txn

	QueryUpdater = mutations.QueryUpdater
	UpdaterInfo  = mutations.UpdaterInfo
)

// Reserved root entity ids.
const (
	RootQueryID        = store.RootQueryID
	RootMutationID     = store.RootMutationID
	RootSubscriptionID = store.RootSubscriptionID
)

// Network status values of an active query.
const (
	StatusLoading      = queries.StatusLoading
	StatusSetVariables = queries.StatusSetVariables
	StatusFetchMore    = queries.StatusFetchMore
	StatusRefetch      = queries.StatusRefetch
	StatusPolling      = queries.StatusPolling
	StatusReady        = queries.StatusReady
	StatusError        = queries.StatusError
)

// ErrNotFound is returned by ReadQuery when the store cannot satisfy the
// full selection set.
var ErrNotFound = cache.ErrNotFound

// ParseQuery parses GraphQL source into a document.
func ParseQuery(source string) (*QueryDocument, error) {
	return language.ParseQuery(source)
}
