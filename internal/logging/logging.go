// Package logging attaches a zap logger to the cache's eventbus events.
// Core packages never log directly; they publish events and this
// subscriber renders them.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/gqlcache/gqlcache/internal/eventbus"
	"github.com/gqlcache/gqlcache/internal/events"
)

// Attach subscribes log handlers for every cache event on the global bus.
// The returned function detaches them.
func Attach(log *zap.Logger) (detach func()) {
	if log == nil {
		return func() {}
	}
	subs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.FetchStart) {
			log.Debug("fetch start",
				zap.String("queryId", e.QueryID),
				zap.String("operation", e.OperationName),
				zap.Bool("deduplicated", e.Deduplicated))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.FetchFinish) {
			if e.Err != nil {
				log.Warn("fetch failed",
					zap.String("queryId", e.QueryID),
					zap.Duration("duration", e.Duration),
					zap.Error(e.Err))
				return
			}
			log.Debug("fetch finish",
				zap.String("queryId", e.QueryID),
				zap.Int("payloads", e.Payloads),
				zap.Duration("duration", e.Duration))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.MutationStart) {
			log.Debug("mutation start",
				zap.String("mutationId", e.MutationID),
				zap.String("operation", e.OperationName),
				zap.Bool("optimistic", e.Optimistic))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.MutationFinish) {
			if e.Err != nil {
				log.Warn("mutation failed",
					zap.String("mutationId", e.MutationID),
					zap.Error(e.Err))
				return
			}
			log.Debug("mutation finish",
				zap.String("mutationId", e.MutationID),
				zap.Duration("duration", e.Duration))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.UpdaterPanic) {
			log.Error("query updater panicked; skipped",
				zap.String("mutationId", e.MutationID),
				zap.String("queryId", e.QueryID),
				zap.Any("recovered", e.Recovered))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.StoreWrite) {
			log.Debug("store write",
				zap.String("root", e.RootID),
				zap.Int("entities", e.Entities),
				zap.Bool("optimistic", e.Optimistic))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.StoreReset) {
			log.Info("store reset")
		}),
		eventbus.Subscribe(func(_ context.Context, e events.Broadcast) {
			log.Debug("broadcast", zap.Int("watchers", e.Watchers))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.OptimisticApplied) {
			log.Debug("optimistic patch applied", zap.String("patchId", e.PatchID))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.OptimisticRemoved) {
			log.Debug("optimistic patch removed",
				zap.String("patchId", e.PatchID),
				zap.Int("replayed", e.Replayed))
		}),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}
