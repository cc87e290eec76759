// Package otel wires OpenTelemetry tracing to the cache's eventbus events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/gqlcache/gqlcache/internal/eventbus"
	"github.com/gqlcache/gqlcache/internal/events"
	"github.com/gqlcache/gqlcache/internal/reqid"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("gqlcache")}
	sub.register()

	return tp.Shutdown, nil
}

type subscriber struct {
	tracer     trace.Tracer
	fetchSpans sync.Map // rid -> trace.Span
	mutSpans   sync.Map // mutation id -> trace.Span
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.FetchStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "gqlcache.fetch")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("gqlcache.query_id", e.QueryID),
			attribute.Bool("gqlcache.deduplicated", e.Deduplicated),
		)
		s.fetchSpans.Store(rid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.FetchFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.fetchSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("gqlcache.payloads", e.Payloads))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.MutationStart) {
		_, span := s.tracer.Start(ctx, "gqlcache.mutation")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.Bool("gqlcache.optimistic", e.Optimistic),
		)
		s.mutSpans.Store(e.MutationID, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.MutationFinish) {
		v, ok := s.mutSpans.LoadAndDelete(e.MutationID)
		if !ok {
			return
		}
		span := v.(trace.Span)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.StoreWrite) {
		rid, _ := reqid.FromContext(ctx)
		if v, ok := s.fetchSpans.Load(rid); ok {
			v.(trace.Span).AddEvent("store.write", trace.WithAttributes(
				attribute.String("gqlcache.root", e.RootID),
				attribute.Int("gqlcache.entities", e.Entities),
			))
		}
	})
}
