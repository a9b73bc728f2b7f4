package server

import "context"

// userContextKey is the context key for the authenticated user.
type userContextKey struct{}

// WithUser returns a new context carrying the authenticated user id.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated user id, or "" for anonymous
// requests.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey{}).(string)
	return user
}
