package ctxutil

import "context"

// CallMeta describes where a tool call came from. Transports populate it so
// tools that write audit records can correlate and attribute them without
// knowing which transport is in use.
type CallMeta struct {
	RequestID  string
	Transport  string // "http" or "stdio"
	RemoteAddr string
}

// WithCallMeta returns a new context carrying m. m.RequestID is also exposed
// through RequestID.
func WithCallMeta(ctx context.Context, m CallMeta) context.Context {
	ctx = context.WithValue(ctx, keyCallMeta, m)
	if m.RequestID != "" {
		ctx = WithRequestID(ctx, m.RequestID)
	}
	return ctx
}

// CallMetaFrom extracts the CallMeta from the context. The zero value is
// returned when no transport set one.
func CallMetaFrom(ctx context.Context) CallMeta {
	m, _ := ctx.Value(keyCallMeta).(CallMeta)
	if m.RequestID == "" {
		m.RequestID = RequestID(ctx)
	}
	return m
}
