package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gqlcache/gqlcache/internal/language"
)

func mustParseQuery(t *testing.T, source string) *language.QueryDocument {
	t.Helper()
	doc, err := language.ParseQuery(source)
	require.NoError(t, err)
	return doc
}

func TestFingerprint(t *testing.T) {
	req := func(source string, vars map[string]any, op string) Request {
		return Request{Document: mustParseQuery(t, source), Variables: vars, OperationName: op}
	}

	t.Run("formatting is irrelevant", func(t *testing.T) {
		a := req(`{ user(id: 1) { name } }`, nil, "")
		b := req("{\n  user(id: 1) {\n    name\n  }\n}", nil, "")
		require.Equal(t, Fingerprint(a), Fingerprint(b))
	})

	t.Run("variables distinguish", func(t *testing.T) {
		a := req(`query($id: ID!) { user(id: $id) { name } }`, map[string]any{"id": "1"}, "")
		b := req(`query($id: ID!) { user(id: $id) { name } }`, map[string]any{"id": "2"}, "")
		require.NotEqual(t, Fingerprint(a), Fingerprint(b))
	})

	t.Run("operation name distinguishes", func(t *testing.T) {
		a := req(`query A { x } query B { x }`, nil, "A")
		b := req(`query A { x } query B { x }`, nil, "B")
		require.NotEqual(t, Fingerprint(a), Fingerprint(b))
	})
}

// blockingTransport counts executions and releases its single payload when
// told to.
type blockingTransport struct {
	calls   atomic.Int64
	release chan struct{}
}

func (b *blockingTransport) Execute(ctx context.Context, req Request) (<-chan Payload, error) {
	b.calls.Add(1)
	out := make(chan Payload, 1)
	go func() {
		defer close(out)
		<-b.release
		out <- Payload{Result: &Result{Data: map[string]any{"x": int64(1)}}}
	}()
	return out, nil
}

func TestDeduplicator_SharesInflight(t *testing.T) {
	inner := &blockingTransport{release: make(chan struct{})}
	d := NewDeduplicator(inner)
	req := Request{Document: mustParseQuery(t, `{ x }`)}

	const subscribers = 5
	var wg sync.WaitGroup
	results := make([][]Payload, subscribers)
	for i := 0; i < subscribers; i++ {
		ch, err := d.Execute(context.Background(), req)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, ch <-chan Payload) {
			defer wg.Done()
			for p := range ch {
				results[i] = append(results[i], p)
			}
		}(i, ch)
	}

	require.Equal(t, 1, d.InFlight())
	close(inner.release)
	wg.Wait()

	require.EqualValues(t, 1, inner.calls.Load(), "identical requests must share one upstream execution")
	for i := 0; i < subscribers; i++ {
		require.Len(t, results[i], 1)
		require.Equal(t, map[string]any{"x": int64(1)}, results[i][0].Result.Data)
	}
	require.Equal(t, 0, d.InFlight(), "settled flight must be dropped")
}

func TestDeduplicator_DistinctRequests(t *testing.T) {
	inner := &blockingTransport{release: make(chan struct{})}
	d := NewDeduplicator(inner)

	_, err := d.Execute(context.Background(), Request{Document: mustParseQuery(t, `{ a }`)})
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), Request{Document: mustParseQuery(t, `{ b }`)})
	require.NoError(t, err)

	require.Equal(t, 2, d.InFlight())
	require.EqualValues(t, 2, inner.calls.Load())
	close(inner.release)
}

func TestDeduplicator_SubscriberCancelKeepsUpstream(t *testing.T) {
	inner := &blockingTransport{release: make(chan struct{})}
	d := NewDeduplicator(inner)
	req := Request{Document: mustParseQuery(t, `{ x }`)}

	ctx, cancel := context.WithCancel(context.Background())
	first, err := d.Execute(ctx, req)
	require.NoError(t, err)
	second, err := d.Execute(context.Background(), req)
	require.NoError(t, err)

	cancel()
	for range first {
	}
	require.Equal(t, 1, d.InFlight(), "cancelling a subscriber must not cancel the shared fetch")

	close(inner.release)
	p, ok := <-second
	require.True(t, ok)
	require.NotNil(t, p.Result)
}

func TestDeduplicator_LateSubscriberReplaysHistory(t *testing.T) {
	payloads := make(chan Payload, 2)
	inner := Func(func(ctx context.Context, req Request) (<-chan Payload, error) {
		return payloads, nil
	})
	d := NewDeduplicator(inner)
	req := Request{Document: mustParseQuery(t, `{ x }`)}

	first, err := d.Execute(context.Background(), req)
	require.NoError(t, err)

	payloads <- Payload{Result: &Result{Data: map[string]any{"n": int64(1)}, HasNext: true}}
	p, ok := <-first
	require.True(t, ok)
	require.Equal(t, map[string]any{"n": int64(1)}, p.Result.Data)

	// The first payload is already consumed; a late subscriber must still
	// see it.
	late, err := d.Execute(context.Background(), req)
	require.NoError(t, err)

	payloads <- Payload{Result: &Result{Data: map[string]any{"n": int64(2)}}}
	close(payloads)

	var seen []int64
	for p := range late {
		seen = append(seen, p.Result.Data["n"].(int64))
	}
	require.Equal(t, []int64{1, 2}, seen)
	for range first {
	}
}

func TestDeduplicator_SequentialRequestsAreFresh(t *testing.T) {
	inner := &blockingTransport{release: make(chan struct{})}
	close(inner.release)
	d := NewDeduplicator(inner)
	req := Request{Document: mustParseQuery(t, `{ x }`)}

	for i := 0; i < 2; i++ {
		ch, err := d.Execute(context.Background(), req)
		require.NoError(t, err)
		for range ch {
		}
		// The flight settles once the upstream closes; wait for the
		// deduplicator to observe it.
		require.Eventually(t, func() bool { return d.InFlight() == 0 },
			time.Second, time.Millisecond)
	}
	require.EqualValues(t, 2, inner.calls.Load())
}
