package auth

import "context"

type contextKey struct{}

var userKey = contextKey{}

// WithUser stores the authenticated user in ctx
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// GetUserFromContext extracts the authenticated user from the request context
func GetUserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey).(*User)
	return user, ok && user != nil
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) string {
	user, ok := GetUserFromContext(ctx)
	if !ok {
		return ""
	}
	return user.ID
}

// IsAdminUser checks if the user in context has admin role
func IsAdminUser(ctx context.Context) bool {
	user, ok := GetUserFromContext(ctx)
	return ok && user.IsAdmin()
}
