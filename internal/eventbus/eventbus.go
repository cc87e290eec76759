// Package eventbus is a small in-process event dispatcher. Core cache
// packages publish plain event structs; observability subscribers (logging,
// tracing) attach without the core depending on them.
package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

// Bus dispatches events to handlers registered for their dynamic type.
type Bus struct {
	mu       sync.RWMutex
	nextSlot int
	handlers map[reflect.Type][]slot
}

type slot struct {
	id int
	fn func(context.Context, any)
}

// New creates a new Bus.
func New() *Bus { return &Bus{handlers: make(map[reflect.Type][]slot)} }

func (b *Bus) subscribe(t reflect.Type, fn func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextSlot++
	id := b.nextSlot
	b.handlers[t] = append(b.handlers[t], slot{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[t]
		for i, s := range hs {
			if s.id == id {
				hs = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(b.handlers, t)
		} else {
			b.handlers[t] = hs
		}
	}
}

func (b *Bus) emit(ctx context.Context, e any) {
	if b == nil {
		return
	}
	t := reflect.TypeOf(e)
	b.mu.RLock()
	hs := append([]slot(nil), b.handlers[t]...)
	b.mu.RUnlock()
	for _, s := range hs {
		s.fn(ctx, e)
	}
}

var global atomic.Pointer[Bus]

// Use sets the global bus. Passing nil disables event publishing.
func Use(b *Bus) { global.Store(b) }

// Subscribe registers h with the global bus.
func Subscribe[T any](h Handler[T]) (unsubscribe func()) {
	b := global.Load()
	if b == nil {
		return func() {}
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	return b.subscribe(t, func(ctx context.Context, v any) { h(ctx, v.(T)) })
}

// Publish sends e through the global bus.
func Publish[T any](ctx context.Context, e T) {
	if b := global.Load(); b != nil {
		b.emit(ctx, e)
	}
}
