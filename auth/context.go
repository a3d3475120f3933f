package auth

import (
	"context"
)

type contextKey struct{}

func ContextWithUserClaims(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// UserClaimsFromContext returns the claims attached by Middleware.
func UserClaimsFromContext(ctx context.Context) (*UserClaims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*UserClaims)
	return claims, ok
}
