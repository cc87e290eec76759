package gqlcache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gqlcache/gqlcache/internal/eventbus"
	"github.com/gqlcache/gqlcache/internal/events"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/mutations"
	"github.com/gqlcache/gqlcache/internal/reqid"
	"github.com/gqlcache/gqlcache/internal/transport"
)

type MutationRequest struct {
	Mutation      string
	Document      *QueryDocument
	OperationName string
	Variables     map[string]any

	// OptimisticResponse is a payload map, or a
	// func(variables map[string]any) map[string]any, applied as an
	// optimistic patch until the real result settles the mutation.
	OptimisticResponse any

	// Updaters maps active query ids (see ObservableQuery.ID) to reducers
	// run against those queries' cached results on settlement.
	Updaters map[string]QueryUpdater

	// Update runs inside the mutation's write transaction for imperative
	// cache edits a declarative reducer cannot express.
	Update func(txn *Txn, result *Result)

	// WritePartialOnErrors writes a result carrying top-level GraphQL
	// errors into the store instead of discarding it.
	WritePartialOnErrors bool

	// Context is passed through to the transport untouched.
	Context map[string]any
}

type MutationResponse struct {
	Data   map[string]any
	Errors []GraphQLError
}

// Mutate runs one mutation to settlement. Mutations always hit the network
// and are never deduplicated against each other. Whatever the outcome, any
// optimistic patch is removed in the same transaction that settles the
// mutation, so watchers see a single transition.
func (c *Client) Mutate(ctx context.Context, req MutationRequest) (*MutationResponse, error) {
	doc, err := resolveDocument(req.Mutation, req.Document)
	if err != nil {
		return nil, err
	}
	op, err := requireOperation(doc, req.OperationName, language.Mutation)
	if err != nil {
		return nil, err
	}

	mutationID := uuid.NewString()
	opts := mutations.Options{
		MutationID:           mutationID,
		Document:             doc,
		Variables:            req.Variables,
		OptimisticResponse:   req.OptimisticResponse,
		Updaters:             req.Updaters,
		Update:               req.Update,
		WritePartialOnErrors: req.WritePartialOnErrors,
	}

	ctx, _ = reqid.NewContext(ctx)
	start := time.Now()
	eventbus.Publish(ctx, events.MutationStart{
		MutationID:    mutationID,
		OperationName: op.Name,
		Optimistic:    req.OptimisticResponse != nil,
	})
	finish := func(err error) {
		eventbus.Publish(ctx, events.MutationFinish{
			MutationID:    mutationID,
			OperationName: op.Name,
			Err:           err,
			Duration:      time.Since(start),
		})
	}

	if err := c.mutations.MarkInit(opts); err != nil {
		finish(err)
		return nil, err
	}

	payloads, err := c.raw.Execute(ctx, transport.Request{
		Document:      doc,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Context:       req.Context,
	})
	if err != nil {
		c.mutations.MarkError(mutationID, err)
		finish(err)
		return nil, err
	}

	// Mutations over incremental transports can deliver deferred patches;
	// the final non-patch payload settles the mutation.
	var final *transport.Result
	for payload := range payloads {
		if payload.Err != nil {
			c.mutations.MarkError(mutationID, payload.Err)
			finish(payload.Err)
			return nil, payload.Err
		}
		if !payload.Result.IsPatch() {
			final = payload.Result
		}
	}
	if final == nil {
		err := errors.New("transport completed without a result")
		c.mutations.MarkError(mutationID, err)
		finish(err)
		return nil, err
	}

	if err := c.mutations.MarkResult(mutationID, final, opts); err != nil {
		finish(err)
		return nil, err
	}
	finish(nil)
	return &MutationResponse{Data: final.Data, Errors: final.Errors}, nil
}
