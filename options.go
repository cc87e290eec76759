package gqlcache

import (
	"go.uber.org/zap"
)

type Options struct {
	// Identity derives entity ids from response objects. Nil means the
	// default __typename:id (or _id) scheme.
	Identity func(object map[string]any) (string, bool)

	// PossibleTypes maps interface/union names to their concrete types,
	// used to match fragment type conditions at read time.
	PossibleTypes map[string][]string

	// LooseMatching includes a fragment whose type condition cannot be
	// decided instead of failing the read. This trades correctness for
	// usability; prefer declaring PossibleTypes.
	LooseMatching bool

	// NoDeduplication disables sharing of identical in-flight requests.
	NoDeduplication bool

	// Logger, when set, logs cache events through zap.
	Logger *zap.Logger

	// OTLPEndpoint, when set, exports traces for fetches and mutations.
	OTLPEndpoint string
	// ServiceName names the traced service. Defaults to "gqlcache".
	ServiceName string
}

type Option func(*Options)

func WithIdentity(fn func(object map[string]any) (string, bool)) Option {
	return func(o *Options) { o.Identity = fn }
}

func WithPossibleTypes(possible map[string][]string) Option {
	return func(o *Options) { o.PossibleTypes = possible }
}

func WithLooseMatching() Option {
	return func(o *Options) { o.LooseMatching = true }
}

func WithoutDeduplication() Option {
	return func(o *Options) { o.NoDeduplication = true }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

func WithTracing(otlpEndpoint, serviceName string) Option {
	return func(o *Options) {
		o.OTLPEndpoint = otlpEndpoint
		o.ServiceName = serviceName
	}
}
