// Package ctxutil provides shared context key accessors.
//
// The HTTP server, the gateway, the stdio adapter and the registry all read
// request-scoped values that only the outermost transport can set. They
// import ctxutil instead of each other.
package ctxutil

import "context"

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyCallMeta  contextKey = "call_meta"
)

// WithRequestID returns a new context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request ID from the context, or "" if none was set.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
