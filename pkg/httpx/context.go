package httpx

import (
	"context"

	"github.com/aussiebroadwan/authclient/pkg/jwtx"
)

type ctxKey string

const (
	ctxKeyUserID    ctxKey = "user_id"
	ctxKeySessionID ctxKey = "session_id"
)

func contextWithAuth(ctx context.Context, c *jwtx.Claims) context.Context {
	ctx = context.WithValue(ctx, ctxKeyUserID, c.Subject)
	return context.WithValue(ctx, ctxKeySessionID, c.SID)
}

// UserIDFromContext returns the authenticated subject set by AuthnMiddleware.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

// SessionIDFromContext returns the session id claim set by AuthnMiddleware.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySessionID).(string)
	return v
}
