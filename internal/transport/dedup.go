package transport

import (
	"context"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/gqlcache/gqlcache/internal/keys"
	"github.com/gqlcache/gqlcache/internal/language"
)

// Fingerprint identifies a request for deduplication: two requests with
// structurally equal documents, equal variables and the same operation name
// share one in-flight fetch.
func Fingerprint(req Request) uint64 {
	h := xxhash.New()
	_, _ = io.WriteString(h, language.Print(req.Document))
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, keys.StableJSON(req.Variables))
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, req.OperationName)
	return h.Sum64()
}

// Deduplicator multiplexes identical concurrent requests over a single
// upstream execution. Every subscriber observes the full payload sequence
// (late subscribers are replayed the history first). The in-flight entry is
// dropped as soon as the upstream settles, however many subscribers
// attached. Cancelling one subscriber's context stops that subscriber's
// delivery only; the shared upstream keeps running.
type Deduplicator struct {
	inner Transport

	mu       sync.Mutex
	inflight map[uint64]*flight
}

func NewDeduplicator(inner Transport) *Deduplicator {
	return &Deduplicator{inner: inner, inflight: make(map[uint64]*flight)}
}

func (d *Deduplicator) Execute(ctx context.Context, req Request) (<-chan Payload, error) {
	fp := Fingerprint(req)

	d.mu.Lock()
	f, ok := d.inflight[fp]
	if ok {
		d.mu.Unlock()
		return f.subscribe(ctx), nil
	}

	f = newFlight()
	d.inflight[fp] = f
	d.mu.Unlock()

	// The upstream outlives any one subscriber.
	upstream, err := d.inner.Execute(context.WithoutCancel(ctx), req)
	if err != nil {
		d.mu.Lock()
		delete(d.inflight, fp)
		d.mu.Unlock()
		return nil, err
	}

	go func() {
		for p := range upstream {
			f.publish(p)
		}
		d.mu.Lock()
		delete(d.inflight, fp)
		d.mu.Unlock()
		f.finish()
	}()

	return f.subscribe(ctx), nil
}

// InFlight reports the number of open upstream fetches.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// flight is one shared upstream execution. Payload history is retained for
// the flight's lifetime so that subscribers attaching mid-stream still see
// every payload in order.
type flight struct {
	mu      sync.Mutex
	cond    *sync.Cond
	history []Payload
	done    bool
}

func newFlight() *flight {
	f := &flight{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *flight) publish(p Payload) {
	f.mu.Lock()
	f.history = append(f.history, p)
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *flight) finish() {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *flight) subscribe(ctx context.Context) <-chan Payload {
	out := make(chan Payload)
	stop := context.AfterFunc(ctx, f.cond.Broadcast)
	go func() {
		defer close(out)
		defer stop()
		next := 0
		for {
			f.mu.Lock()
			for next >= len(f.history) && !f.done && ctx.Err() == nil {
				f.cond.Wait()
			}
			if ctx.Err() != nil {
				f.mu.Unlock()
				return
			}
			if next >= len(f.history) && f.done {
				f.mu.Unlock()
				return
			}
			p := f.history[next]
			next++
			f.mu.Unlock()

			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
