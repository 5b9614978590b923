package auth

import (
	"context"
	"strings"
)

type ctxKey string

const userKey ctxKey = "auth_user"

// ContextWithUser stores the authenticated user in the context.
func ContextWithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext extracts the authenticated user from context.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	u, ok := ctx.Value(userKey).(User)
	if !ok || strings.TrimSpace(u.ID) == "" {
		return User{}, false
	}
	return u, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return "", false
	}
	return u.ID, true
}
