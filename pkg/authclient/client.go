package authclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/events"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

// fallbackTokenLifetime is assumed when neither the response nor the token
// says when the access token expires.
const fallbackTokenLifetime = time.Hour

// Client is the entry point of the library. It owns the session of one user
// against one identity API: the token store, the request pipeline, the
// single-flight refresher, the proactive refresh scheduler and the event bus.
//
// A Client is safe for concurrent use. Call Initialize once to restore a
// persisted session and Close when done.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	clock   clockwork.Clock
	metrics *Metrics

	http      *http.Client
	store     *tokenstore.Store
	bus       *events.Bus
	pipe      *pipeline
	refresher *refresher
	sched     *scheduler
	oauth     *oauthFlows
	closers   []io.Closer

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen string // access token this process last wrote or observed
}

// New validates cfg and builds a Client. Mediums that need a connection
// (redis, sqlite) are opened here.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Endpoints = cfg.Endpoints.withDefaults()

	baseURL, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, autherr.Configuration("invalid apiUrl: %v", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "authclient")

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	httpClient := newHTTPClient(&cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())

	medium, closers, err := openMedium(ctx, &cfg, httpClient, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		metrics: NewMetrics(cfg.Registerer),
		http:    httpClient,
		store: tokenstore.New(medium,
			tokenstore.WithPrefix(cfg.StorageKeyPrefix),
			tokenstore.WithLogger(logger),
		),
		bus:     events.NewBus(logger),
		oauth:   newOAuthFlows(clock),
		closers: closers,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.refresher = &refresher{c: c, logger: logger, metrics: c.metrics}
	c.sched = newScheduler(ctx, clock, logger, c.scheduledRefresh)
	c.pipe = &pipeline{
		baseURL: baseURL,
		cfg:     &c.cfg,
		http:    httpClient,
		store:   c.store,
		clock:   clock,
		logger:  logger,
		metrics: c.metrics,
		refresh: c.refresher.accessToken,
	}
	c.pipe.onStorageErr = func(err error) { c.storageFailed("read", err) }

	return c, nil
}

// newHTTPClient copies the configured client (or a fresh one) and wraps its
// transport: tracing, then the outbound rate limit, then request logging.
func newHTTPClient(cfg *Config, logger *slog.Logger) *http.Client {
	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}

	transport := hc.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Tracing {
		transport = otelhttp.NewTransport(transport)
	}
	transport = httpx.LimitTransport(transport, cfg.RateLimit)
	hc.Transport = &slogx.Transport{Base: transport, Logger: logger}

	return hc
}

// Initialize restores a persisted session. A valid session emits SIGNED_IN
// and arms the scheduler; an expired one is refreshed immediately. With
// SyncStorage set, changes made by other processes sharing the medium are
// followed from here on.
//
// An error is returned only when restoring failed in a way the caller can act
// on; a refresh token the backend rejects simply ends the session.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.SyncStorage {
		if err := c.startSync(); err != nil {
			return err
		}
	}

	b, err := c.store.Read(ctx)
	if err != nil {
		c.storageFailed("read", err)
	}
	if b == nil {
		c.logger.Debug("No persisted session to restore")
		return nil
	}

	if b.Expired(c.clock.Now()) {
		c.logger.Info("Persisted session expired, refreshing", "user_id", b.User.ID)
		if _, err := c.refresher.Refresh(ctx); err != nil && !rejectedRefresh(err) {
			return err
		}
		return nil
	}

	c.setLastSeen(b.AccessToken)
	c.armScheduler(b)
	c.publish(events.Event{Tag: events.SignedIn, Session: c.sessionOf(b)})

	c.logger.Info("Session restored",
		"user_id", b.User.ID,
		"expires_at", b.ExpiresAt,
	)
	return nil
}

// Close stops the scheduler and storage watchers and releases the medium.
// The persisted session is left in place.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sched.Stop()
		c.cancel()
		err = closeAll(c.closers)
	})
	return err
}

// Metrics returns the client's counters.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Store returns the token store backing the session.
func (c *Client) Store() *tokenstore.Store { return c.store }

// HTTPClient returns the wrapped client the pipeline sends through. Its
// cookie jar carries the cookie medium's values.
func (c *Client) HTTPClient() *http.Client { return c.http }

// IsAuthenticated reports whether a session with an unexpired access token
// exists.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	b, _ := c.store.Read(ctx)
	return b != nil && !b.Expired(c.clock.Now())
}

// CurrentUser returns the user snapshot of the stored session, or nil.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	b, err := c.store.Read(ctx)
	if b == nil {
		return nil, err
	}
	return b.User, err
}

// CurrentSession returns the derived session view, or nil when signed out.
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	b, err := c.store.Read(ctx)
	return c.sessionOf(b), err
}

// AccessToken returns a usable access token, refreshing first when the
// stored one has expired.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	b, err := c.store.Read(ctx)
	if err != nil {
		c.storageFailed("read", err)
	}
	if b == nil {
		return "", autherr.New(autherr.KindInvalidToken, "not signed in")
	}
	if b.Expired(c.clock.Now()) {
		return c.refresher.accessToken(ctx)
	}
	return b.AccessToken, nil
}

// RefreshToken forces a refresh, joining one already in flight.
func (c *Client) RefreshToken(ctx context.Context) (*Session, error) {
	b, err := c.refresher.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return c.sessionOf(b), nil
}

// NextRefresh returns when the scheduler will next refresh the session, or
// the zero time when nothing is scheduled.
func (c *Client) NextRefresh() time.Time { return c.sched.NextRun() }

// scheduledRefresh runs when the scheduler fires. Success rearms from inside
// the refresh; failure ends the session, so there is nothing to rearm.
func (c *Client) scheduledRefresh(ctx context.Context) {
	if _, err := c.refresher.Refresh(ctx); err != nil {
		c.logger.Warn("Scheduled session refresh failed", "error", err.Error())
	}
}

// armScheduler schedules the next proactive refresh for b.
func (c *Client) armScheduler(b *tokenstore.Bundle) {
	if !c.cfg.AutoRefreshToken || b == nil {
		return
	}
	delay := b.TimeUntilExpiry(c.clock.Now()) - c.cfg.RefreshThreshold
	c.sched.Schedule(max(delay, 0))
}

// establish turns a sign-in response into the caller's result: it starts a
// session when tokens were issued, or reports the next step.
func (c *Client) establish(ctx context.Context, payload *authResponse) (*AuthResult, error) {
	if payload.RequiresMFA || (!payload.hasTokens() && payload.MFAToken != "") {
		c.publish(events.Event{Tag: events.MFARequired, MFAToken: payload.MFAToken})
		return &AuthResult{Status: StatusMFARequired, User: payload.User, MFAToken: payload.MFAToken}, nil
	}

	if !payload.hasTokens() {
		if payload.User != nil {
			return &AuthResult{Status: StatusVerificationRequired, User: payload.User}, nil
		}
		return nil, autherr.New(autherr.KindUnknown, "authentication response carried no tokens")
	}

	b := c.bundleFrom(payload, nil)
	if !b.Complete() {
		return nil, autherr.New(autherr.KindUnknown, "authentication response carried no user")
	}

	c.setLastSeen(b.AccessToken)
	if err := c.store.Write(ctx, b); err != nil {
		c.storageFailed("write", err)
	}
	c.armScheduler(b)

	session := c.sessionOf(b)
	c.publish(events.Event{Tag: events.SignedIn, Session: session})

	c.logger.Info("Signed in",
		"user_id", b.User.ID,
		"expires_at", b.ExpiresAt,
	)

	return &AuthResult{Status: StatusAuthenticated, User: b.User, Session: session}, nil
}

// endSession drops the local session and announces SIGNED_OUT.
func (c *Client) endSession(ctx context.Context) error {
	c.sched.Stop()
	c.setLastSeen("")

	err := c.store.Clear(ctx)
	if err != nil {
		c.storageFailed("clear", err)
	}

	c.publish(events.Event{Tag: events.SignedOut})
	return err
}

// bundleFrom builds the bundle for a token response. Expiry falls back from
// expiresAt to expiresIn to the token's exp claim to a fixed lifetime; the
// user falls back to fallback and then to the token's claims.
func (c *Client) bundleFrom(r *authResponse, fallback *User) *tokenstore.Bundle {
	now := c.clock.Now()

	var claims *jwtx.Claims
	if parsed, err := jwtx.Decode(r.AccessToken); err == nil {
		claims = parsed
	}

	expiresAt := r.ExpiresAt
	if expiresAt.IsZero() && r.ExpiresIn > 0 {
		expiresAt = now.Add(r.ExpiresIn)
	}
	if expiresAt.IsZero() && claims != nil {
		if exp, err := claims.Expiry(); err == nil {
			expiresAt = exp
		}
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(fallbackTokenLifetime)
	}

	user := r.User
	if user == nil && fallback != nil {
		u := *fallback
		user = &u
	}
	if user == nil && claims != nil && claims.Subject != "" {
		user = &User{
			ID:       claims.Subject,
			Email:    claims.Email,
			Username: claims.Username,
			Roles:    claims.Roles,
		}
	}

	return &tokenstore.Bundle{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         user,
	}
}

func (c *Client) sessionOf(b *tokenstore.Bundle) *Session {
	if b == nil || b.User == nil {
		return nil
	}
	return &Session{
		UserID:    b.User.ID,
		ExpiresAt: b.ExpiresAt,
		IsCurrent: true,
	}
}

func (c *Client) publish(ev events.Event) {
	c.bus.Publish(ev)
}

// storageFailed reports a medium failure. The session keeps working from
// memory, so this never aborts the operation that hit it.
func (c *Client) storageFailed(op string, err error) {
	c.metrics.storageError(op)
	c.logger.Warn("Token storage failed",
		"operation", op,
		"error", err.Error(),
	)
	c.publish(events.Event{Tag: events.Error, Err: err})
}

func (c *Client) setLastSeen(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = token
}
