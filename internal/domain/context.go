package domain

import "context"

type sessionKey struct{}

// WithSessionID tags ctx with the session that issued a model or tool call.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session tagged on ctx, or "" when there is none.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
