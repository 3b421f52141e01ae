// Package authtest runs an in-process identity API that speaks the protocol
// the authclient package consumes. It issues real HS256 tokens, keeps
// server-side sessions with rotating refresh tokens, supports TOTP MFA,
// magic links, OAuth with PKCE and CSRF, and exposes hooks to revoke
// credentials, count refresh calls, hold a refresh in flight and inject
// failures.
package authtest

import (
	"crypto/rand"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

const issuer = "authtest"

// Server is the fake identity API. Start one with NewServer and Close it when
// done.
type Server struct {
	*httptest.Server

	clock      clockwork.Clock
	logger     *slog.Logger
	signer     *jwtx.HS256
	accessTTL  time.Duration
	refreshTTL time.Duration

	csrf             bool
	mfaAsError       bool
	verifyEmailFirst bool
	rateLimit        httpx.RateLimitConfig

	refreshCalls atomic.Int64

	mu           sync.Mutex
	users        map[string]*account // by id
	sessions     map[string]*session // by id
	refresh      map[string]*refreshRecord
	revokedJTI   map[string]bool
	issuedJTI    map[string][]string // user id -> jti
	mfaPending   map[string]string   // mfa token -> user id
	magicLinks   map[string]string   // token -> email
	resets       map[string]string   // token -> user id
	verifies     map[string]string   // token -> user id
	oauthCodes   map[string]oauthCode
	csrfTokens   map[string]bool
	failures     []failure
	requests     []RecordedRequest
	refreshGates []chan struct{}
}

type account struct {
	user         User
	passwordHash string
	mfaSecret    string // set once enrollment starts
	mfaEnabled   bool
	backupCodes  map[string]bool
	lastTOTP     string
}

type session struct {
	id           string
	userID       string
	userAgent    string
	ip           string
	createdAt    time.Time
	lastActiveAt time.Time
	expiresAt    time.Time
	revoked      bool
}

type refreshRecord struct {
	sessionID string
	expiresAt time.Time
	used      bool
}

type oauthCode struct {
	provider    string
	challenge   string
	redirectURI string
	email       string
}

type failure struct {
	method string
	path   string
	status int
	code   string
}

// RecordedRequest is a request the server received.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used to issue and check tokens and TOTP codes.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithLogger sets the server's logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Server) { s.accessTTL = ttl }
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Server) { s.refreshTTL = ttl }
}

// WithCSRF requires a token from GET /auth/csrf on every mutating request.
func WithCSRF() Option {
	return func(s *Server) { s.csrf = true }
}

// WithMFAAsError answers a login that needs a second factor with
// 403 MFA_REQUIRED instead of a 200 continuation payload.
func WithMFAAsError() Option {
	return func(s *Server) { s.mfaAsError = true }
}

// WithEmailVerification makes registration withhold tokens until the email
// address is verified.
func WithEmailVerification() Option {
	return func(s *Server) { s.verifyEmailFirst = true }
}

// WithRateLimit limits the credential endpoints per client IP and email.
func WithRateLimit(cfg httpx.RateLimitConfig) Option {
	return func(s *Server) { s.rateLimit = cfg }
}

// NewServer starts a Server on a loopback port.
func NewServer(opts ...Option) *Server {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	signer, _ := jwtx.NewHS256("authtest", secret)

	s := &Server{
		clock:      clockwork.NewRealClock(),
		logger:     slogx.Discard(),
		signer:     signer,
		accessTTL:  jwtx.DefaultAccessTokenTTL,
		refreshTTL: jwtx.DefaultRefreshTokenTTL,
		users:      make(map[string]*account),
		sessions:   make(map[string]*session),
		refresh:    make(map[string]*refreshRecord),
		revokedJTI: make(map[string]bool),
		issuedJTI:  make(map[string][]string),
		mfaPending: make(map[string]string),
		magicLinks: make(map[string]string),
		resets:     make(map[string]string),
		verifies:   make(map[string]string),
		oauthCodes: make(map[string]oauthCode),
		csrfTokens: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	authn := httpx.AuthnMiddleware(s.signer, s.clock.Now, s.isRevoked)
	secured := func(h http.HandlerFunc) http.Handler {
		return httpx.Chain(h, authn)
	}
	limited := func(h http.HandlerFunc) http.Handler {
		if !s.rateLimit.Enabled() {
			return h
		}
		return httpx.Chain(h, httpx.RateLimitMiddleware(s.rateLimit,
			httpx.CompositeKeyExtractor(":", httpx.IPKeyExtractor, httpx.JSONFieldKeyExtractor("email")),
		))
	}

	r.Handle("/auth/login", limited(s.handleLogin)).Methods(http.MethodPost)
	r.Handle("/auth/register", limited(s.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.Handle("/auth/logout", secured(s.handleLogout)).Methods(http.MethodPost)
	r.Handle("/auth/logout-all", secured(s.handleLogoutAll)).Methods(http.MethodPost)

	r.Handle("/auth/me", secured(s.handleGetUser)).Methods(http.MethodGet)
	r.Handle("/auth/me", secured(s.handleUpdateUser)).Methods(http.MethodPatch)
	r.Handle("/auth/sessions", secured(s.handleListSessions)).Methods(http.MethodGet)
	r.Handle("/auth/sessions/{id}", secured(s.handleRevokeSession)).Methods(http.MethodDelete)

	r.Handle("/auth/password/change", secured(s.handleChangePassword)).Methods(http.MethodPost)
	r.Handle("/auth/password/forgot", limited(s.handleForgotPassword)).Methods(http.MethodPost)
	r.HandleFunc("/auth/password/reset", s.handleResetPassword).Methods(http.MethodPost)

	r.Handle("/auth/magic-link", limited(s.handleSendMagicLink)).Methods(http.MethodPost)
	r.HandleFunc("/auth/magic-link/verify", s.handleVerifyMagicLink).Methods(http.MethodPost)

	r.HandleFunc("/auth/oauth/{provider}/authorize", s.handleOAuthAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/auth/oauth/{provider}/callback", s.handleOAuthCallback).Methods(http.MethodPost)

	r.Handle("/auth/mfa/setup", secured(s.handleMFASetup)).Methods(http.MethodPost)
	r.Handle("/auth/mfa/setup/verify", secured(s.handleMFAVerifySetup)).Methods(http.MethodPost)
	r.Handle("/auth/mfa/verify", limited(s.handleMFAVerify)).Methods(http.MethodPost)
	r.Handle("/auth/mfa/disable", secured(s.handleMFADisable)).Methods(http.MethodPost)

	r.HandleFunc("/auth/check-email", s.handleCheckEmail).Methods(http.MethodGet)
	r.HandleFunc("/auth/check-username", s.handleCheckUsername).Methods(http.MethodGet)
	r.HandleFunc("/auth/verify-email", s.handleVerifyEmail).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify-email/resend", s.handleResendVerification).Methods(http.MethodPost)

	r.HandleFunc("/auth/csrf", s.handleCSRF).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	r.Use(s.record, s.inject)
	if s.csrf {
		r.Use(mux.MiddlewareFunc(httpx.RequireCSRF(s.validCSRF)))
	}

	return r
}

// record keeps every request and attaches the logger.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
		})
		s.mu.Unlock()

		ctx := slogx.WithContext(r.Context(), s.logger.With(
			"req_id", r.Header.Get("X-Request-ID"),
			"method", r.Method,
			"path", r.URL.Path,
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// inject answers the next queued failure for the route, if any.
func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var f *failure
		for i, candidate := range s.failures {
			if candidate.method == r.Method && candidate.path == r.URL.Path {
				f = &candidate
				s.failures = append(s.failures[:i], s.failures[i+1:]...)
				break
			}
		}
		s.mu.Unlock()

		if f != nil {
			httpx.WriteError(w, f.status, f.code, "injected failure", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Test hooks
// ============================================================================

// FailNext makes the next request to method+path answer status with code.
// Calls queue up.
func (s *Server) FailNext(method, path string, status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, path: path, status: status, code: code})
}

// RefreshCalls returns how many refresh requests reached the handler.
func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// HoldRefresh makes refresh requests block until the returned func is
// called. It is safe to call release more than once.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})

	s.mu.Lock()
	s.refreshGates = append(s.refreshGates, gate)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// Requests returns the requests received so far, optionally only those to path.
func (s *Server) Requests(path string) []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RecordedRequest
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// RevokeAccessTokens invalidates every access token issued to userID so far
// while leaving its sessions and refresh tokens usable.
func (s *Server) RevokeAccessTokens(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, jti := range s.issuedJTI[userID] {
		s.revokedJTI[jti] = true
	}
}

// RevokeSessions ends every session of userID, which invalidates their
// access and refresh tokens.
func (s *Server) RevokeSessions(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.userID == userID {
			sess.revoked = true
		}
	}
}

// MagicLinkToken returns the last magic link token sent to email.
func (s *Server) MagicLinkToken(email string) string {
	return s.lookupToken(s.magicLinks, strings.ToLower(email))
}

// ResetToken returns the last password reset token issued for userID.
func (s *Server) ResetToken(userID string) string {
	return s.lookupToken(s.resets, userID)
}

// VerificationToken returns the last email verification token for userID.
func (s *Server) VerificationToken(userID string) string {
	return s.lookupToken(s.verifies, userID)
}

func (s *Server) lookupToken(m map[string]string, value string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, v := range m {
		if v == value {
			return token
		}
	}
	return ""
}

// SessionCount returns the number of live sessions of userID.
func (s *Server) SessionCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.userID == userID && !sess.revoked {
			n++
		}
	}
	return n
}
