package events

import "time"

// FetchStart is emitted before a query request is handed to the transport.
// Deduplicated indicates the request attached to an in-flight fetch.
type FetchStart struct {
	QueryID       string
	OperationName string
	Deduplicated  bool
}

// FetchFinish is emitted when a query request settles.
type FetchFinish struct {
	QueryID       string
	OperationName string
	Payloads      int
	Err           error
	Duration      time.Duration
}

// MutationStart is emitted when a mutation is issued.
type MutationStart struct {
	MutationID    string
	OperationName string
	Optimistic    bool
}

// MutationFinish is emitted when a mutation settles.
type MutationFinish struct {
	MutationID    string
	OperationName string
	Err           error
	Duration      time.Duration
}

// UpdaterPanic is emitted when a caller-registered query updater or update
// callback fails; the mutation transaction continues without it.
type UpdaterPanic struct {
	MutationID string
	QueryID    string
	Recovered  any
}
