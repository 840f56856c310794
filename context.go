package authcore

import "context"

type originContextKey struct{}

// WithOrigin attaches the caller's network origin (typically the client IP)
// to ctx. The engine uses it for the per-origin rate limiter and as event
// metadata; an empty origin skips the per-origin gate.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originContextKey{}, origin)
}

func originFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(originContextKey{}).(string)
	return origin
}
