package httpx

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first one listed runs first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// TokenVerifier verifies a bearer token at a point in time.
type TokenVerifier interface {
	Verify(token string, now time.Time) (*jwtx.Claims, error)
}

// RevocationCheck reports whether the token (or its session) has been revoked.
type RevocationCheck func(token string, claims *jwtx.Claims) bool

// AuthnMiddleware requires a valid bearer token. Failures answer 401 with a
// TOKEN_EXPIRED or INVALID_TOKEN error body and an RFC 6750 challenge.
func AuthnMiddleware(v TokenVerifier, now func() time.Time, revoked RevocationCheck) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				writeBearerError(w, "INVALID_TOKEN", "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))

			claims, err := v.Verify(raw, now())
			if errors.Is(err, jwtx.ErrExpired) {
				writeBearerError(w, "TOKEN_EXPIRED", "token expired")
				return
			}
			if err != nil {
				log.Warn("jwt verify failed", "err", err)
				writeBearerError(w, "INVALID_TOKEN", "token verification failed")
				return
			}

			if revoked != nil && revoked(raw, claims) {
				writeBearerError(w, "INVALID_TOKEN", "token revoked")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextWithAuth(ctx, claims)))
		})
	}
}

func writeBearerError(w http.ResponseWriter, code, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	WriteError(w, http.StatusUnauthorized, code, desc, nil)
}

// CSRFHeader is the header carrying the anti-forgery token.
const CSRFHeader = "X-CSRF-Token"

// RequireCSRF rejects mutating requests whose X-CSRF-Token header is not
// accepted by valid. Safe methods pass through.
func RequireCSRF(valid func(token string) bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(CSRFHeader)
			if token == "" {
				WriteError(w, http.StatusForbidden, "CSRF_MISSING", "CSRF token missing", nil)
				return
			}
			if !valid(token) {
				WriteError(w, http.StatusForbidden, "CSRF_INVALID", "CSRF token invalid", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IsMutating reports whether method changes server state.
func IsMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
