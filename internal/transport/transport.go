// Package transport defines the boundary between the cache and whatever
// executes GraphQL requests on the wire. The cache only requires that a
// request produce a stream of result payloads; HTTP, batching and retries
// are the transport implementation's business.
package transport

import (
	"context"

	"github.com/gqlcache/gqlcache/internal/language"
)

// Request is one GraphQL operation handed to the transport.
type Request struct {
	Document      *language.QueryDocument
	OperationName string
	Variables     map[string]any

	// Context carries opaque per-request values for the transport chain
	// (auth headers, tracing baggage). The cache never inspects it.
	Context map[string]any
}

// GraphQLError is a GraphQL execution error returned by the server.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string { return e.Message }

// IncrementalResult is one entry of an incremental-delivery payload: a
// partial data tree to merge at Path into the previously delivered result.
type IncrementalResult struct {
	Path   []any          `json:"path"`
	Data   map[string]any `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// Result is one payload emitted by the transport. A complete result carries
// Data; a deferred/streamed follow-up carries Path (or Incremental entries)
// and HasNext.
type Result struct {
	Data        map[string]any      `json:"data,omitempty"`
	Errors      []GraphQLError      `json:"errors,omitempty"`
	Extensions  map[string]any      `json:"extensions,omitempty"`
	Path        []any               `json:"path,omitempty"`
	HasNext     bool                `json:"hasNext,omitempty"`
	Incremental []IncrementalResult `json:"incremental,omitempty"`
}

// IsPatch reports whether the result patches a previously delivered result
// rather than standing alone.
func (r *Result) IsPatch() bool {
	return len(r.Path) > 0 || len(r.Incremental) > 0
}

// Payload pairs one emitted result with a terminal stream error. A stream
// delivers zero or more payloads and is closed on completion; completion
// with no Err payload and at least one non-patch result is success.
type Payload struct {
	Result *Result
	Err    error
}

// Transport executes a request and streams its results. The returned
// channel is closed when the stream completes.
type Transport interface {
	Execute(ctx context.Context, req Request) (<-chan Payload, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req Request) (<-chan Payload, error)

func (f Func) Execute(ctx context.Context, req Request) (<-chan Payload, error) {
	return f(ctx, req)
}
