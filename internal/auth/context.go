package auth

import (
	"context"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "auth_user"
)

// UserContext is the verified caller identity stored in the request context
type UserContext struct {
	UserID string
	Claims *Claims
}

// SetUserContext stores user context in the request context
func SetUserContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserContext retrieves user context from the request context
func GetUserContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	return user, ok && user != nil
}

// NewUserContext creates a new user context from validated claims
func NewUserContext(claims *Claims) *UserContext {
	return &UserContext{
		UserID: claims.CallerID(),
		Claims: claims,
	}
}
