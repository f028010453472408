package grpcx

import "context"

// RequestIDMetadataKey carries the request id over gRPC metadata; gRPC
// conventions want metadata keys lowercase.
const RequestIDMetadataKey = "x-request-id"

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// RequestIDFromContext returns the request id attached to ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// WithRequestID attaches a request id for downstream gRPC hops.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
