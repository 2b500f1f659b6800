package engine

import "context"

type bearerKey struct{}

// WithBearerToken stashes the client's bearer token on the context so the
// tool context can surface it to tools that require authorization. Transports
// call this per request; the token is pass-through only.
func WithBearerToken(ctx context.Context, tok string) context.Context {
	if tok == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey{}, tok)
}

// BearerFromContext returns the bearer token for the current request, if any.
func BearerFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(bearerKey{}).(string)
	return tok
}
