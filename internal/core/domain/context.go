package domain

import "context"

// InternalHeader marks HTTP requests issued by the staged thinking pipeline itself.
const (
	InternalHeader      = "X-Staged-Thinking"
	InternalHeaderValue = "internal"
)

type internalKey struct{}

// WithInternal marks ctx as belonging to a request the pipeline issued.
func WithInternal(ctx context.Context) context.Context {
	return context.WithValue(ctx, internalKey{}, true)
}

// IsInternal reports whether ctx was marked by WithInternal.
func IsInternal(ctx context.Context) bool {
	v, _ := ctx.Value(internalKey{}).(bool)
	return v
}
