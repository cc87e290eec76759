// Package reqid carries a per-fetch correlation id through context so that
// Start/Finish event pairs can be matched by subscribers.
package reqid

import (
	"context"
	"math/rand/v2"
)

type key struct{}

// NewContext returns a copy of parent with a new random fetch ID stored,
// along with the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int64()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the fetch ID from ctx.
func FromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(key{}).(int64)
	return id, ok
}
