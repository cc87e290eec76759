package gqlcache

import (
	"errors"
	"time"

	"context"

	"github.com/google/uuid"

	"github.com/gqlcache/gqlcache/internal/eventbus"
	"github.com/gqlcache/gqlcache/internal/events"
	"github.com/gqlcache/gqlcache/internal/language"
	"github.com/gqlcache/gqlcache/internal/queries"
	"github.com/gqlcache/gqlcache/internal/reqid"
	"github.com/gqlcache/gqlcache/internal/transport"
)

// FetchPolicy decides how a query balances the store against the network.
type FetchPolicy string

const (
	// CacheFirst serves a complete cached result without touching the
	// network, and fetches otherwise. The default.
	CacheFirst FetchPolicy = "cache-first"
	// CacheOnly never touches the network.
	CacheOnly FetchPolicy = "cache-only"
	// NetworkOnly always fetches.
	NetworkOnly FetchPolicy = "network-only"
)

type QueryRequest struct {
	Query         string
	Document      *QueryDocument
	OperationName string
	Variables     map[string]any

	Policy            FetchPolicy
	ReturnPartialData bool

	// ForceFresh opts this request out of in-flight deduplication.
	ForceFresh bool

	// WritePartialOnErrors writes results that carry top-level GraphQL
	// errors into the store instead of discarding them.
	WritePartialOnErrors bool

	// Context is passed through to the transport untouched.
	Context map[string]any
}

type QueryResponse struct {
	Data     map[string]any
	Errors   []GraphQLError
	Complete bool
}

// Query runs one query to settlement: against the store alone, the
// network, or both, per the fetch policy.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	doc, err := resolveDocument(req.Query, req.Document)
	if err != nil {
		return nil, err
	}
	if _, err := requireOperation(doc, req.OperationName, language.Query); err != nil {
		return nil, err
	}

	queryID := uuid.NewString()
	if _, err := c.queries.Init(queryID, doc, req.Variables, queries.KindInitial, false); err != nil {
		return nil, err
	}
	defer c.queries.Stop(queryID)

	policy := req.Policy
	if policy == "" {
		policy = CacheFirst
	}

	if policy != NetworkOnly {
		diff, err := c.cache.Diff(doc, req.Variables, true, nil)
		if err != nil {
			return nil, err
		}
		if diff.Complete {
			return &QueryResponse{Data: diff.Data, Complete: true}, nil
		}
		if policy == CacheOnly {
			if !req.ReturnPartialData {
				return nil, ErrNotFound
			}
			return &QueryResponse{Data: diff.Data, Complete: false}, nil
		}
	}

	res, err := c.fetch(ctx, queryID, doc, req.OperationName, req.Variables, req.Context, req.ForceFresh, req.WritePartialOnErrors)
	if err != nil {
		return nil, err
	}

	final, err := c.cache.Diff(doc, req.Variables, true, nil)
	if err != nil {
		return nil, err
	}
	return &QueryResponse{Data: final.Data, Complete: final.Complete, Errors: res.Errors}, nil
}

// fetch drives one network round (possibly multi-payload for incremental
// delivery) for an active query: every payload is folded through the query
// coordinator and written to the store in arrival order.
func (c *Client) fetch(ctx context.Context, queryID string, doc *QueryDocument, operationName string, variables map[string]any, reqCtx map[string]any, forceFresh, writeOnErrors bool) (*transport.Result, error) {
	ctx, _ = reqid.NewContext(ctx)
	deduplicated := !forceFresh && !c.opts.NoDeduplication
	start := time.Now()
	eventbus.Publish(ctx, events.FetchStart{QueryID: queryID, OperationName: operationName, Deduplicated: deduplicated})

	finish := func(payloads int, err error) {
		eventbus.Publish(ctx, events.FetchFinish{
			QueryID:       queryID,
			OperationName: operationName,
			Payloads:      payloads,
			Err:           err,
			Duration:      time.Since(start),
		})
	}

	stream, err := c.transportFor(forceFresh).Execute(ctx, transport.Request{
		Document:      doc,
		OperationName: operationName,
		Variables:     variables,
		Context:       reqCtx,
	})
	if err != nil {
		_ = c.queries.MarkError(queryID, nil)
		finish(0, err)
		return nil, err
	}

	var last *transport.Result
	payloads := 0
	for p := range stream {
		if p.Err != nil {
			_ = c.queries.MarkError(queryID, nil)
			finish(payloads, p.Err)
			return nil, p.Err
		}
		payloads++
		res := p.Result
		if len(res.Errors) > 0 && !writeOnErrors {
			// Results with top-level errors are surfaced but not cached.
			last = res
			_ = c.queries.MarkError(queryID, res.Errors)
			continue
		}
		data, err := c.queries.MarkResult(queryID, res)
		if err != nil {
			finish(payloads, err)
			return nil, err
		}
		if data != nil {
			if err := c.cache.WriteQuery(doc, variables, data); err != nil {
				finish(payloads, err)
				return nil, err
			}
		}
		last = res
	}

	if last == nil {
		err := errors.New("gqlcache: transport completed without a result")
		_ = c.queries.MarkError(queryID, nil)
		finish(payloads, err)
		return nil, err
	}
	_ = c.queries.MarkDone(queryID)
	finish(payloads, nil)
	return last, nil
}

// fetchDetached runs one request to completion without touching the store,
// assembling incremental payloads into the full result data. Pagination
// fetches use it so the caller's reducer sees the page before the store does.
func (c *Client) fetchDetached(ctx context.Context, doc *QueryDocument, operationName string, variables map[string]any, reqCtx map[string]any) (map[string]any, error) {
	pageID := uuid.NewString()
	if _, err := c.queries.Init(pageID, doc, variables, queries.KindInitial, false); err != nil {
		return nil, err
	}
	defer c.queries.Stop(pageID)

	ctx, _ = reqid.NewContext(ctx)
	stream, err := c.transportFor(true).Execute(ctx, transport.Request{
		Document:      doc,
		OperationName: operationName,
		Variables:     variables,
		Context:       reqCtx,
	})
	if err != nil {
		return nil, err
	}

	var data map[string]any
	for p := range stream {
		if p.Err != nil {
			return nil, p.Err
		}
		if len(p.Result.Errors) > 0 {
			return nil, p.Result.Errors[0]
		}
		merged, err := c.queries.MarkResult(pageID, p.Result)
		if err != nil {
			return nil, err
		}
		data = merged
	}
	if data == nil {
		return nil, errors.New("gqlcache: transport completed without a result")
	}
	return data, nil
}
