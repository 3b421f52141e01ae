package authclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/authtest"
	"github.com/aussiebroadwan/authclient/pkg/events"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder collects every event the client publishes.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(c *Client) *recorder {
	r := &recorder{}
	for _, tag := range []events.Tag{
		events.SignedIn, events.SignedOut, events.TokenRefreshed, events.UserUpdated,
		events.SessionExpired, events.MFARequired, events.Error,
	} {
		c.On(tag, func(ev events.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
			return nil
		})
	}
	return r
}

func (r *recorder) tags() []events.Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Tag, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Tag)
	}
	return out
}

func (r *recorder) last(tag events.Tag) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Tag == tag {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

func (r *recorder) count(tag events.Tag) int {
	n := 0
	for _, t := range r.tags() {
		if t == tag {
			n++
		}
	}
	return n
}

type fixture struct {
	srv    *authtest.Server
	clock  *clockwork.FakeClock
	client *Client
	user   authtest.User
	events *recorder
}

// newFixture starts a fake backend with one user and a client sharing its
// fake clock.
func newFixture(t *testing.T, srvOpts []authtest.Option, mutate func(*Config)) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testEpoch)
	srv := authtest.NewServer(append([]authtest.Option{authtest.WithClock(clock)}, srvOpts...)...)
	t.Cleanup(srv.Close)

	user := srv.AddUser(testEmail, testPassword)

	cfg := DefaultConfig()
	cfg.APIURL = srv.URL
	cfg.Clock = clock
	cfg.Logger = slogx.Discard()
	cfg.Registerer = prometheus.NewRegistry()
	cfg.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &fixture{srv: srv, clock: clock, client: c, user: user, events: record(c)}
}

// sibling builds another client over the same config, as a second process
// would. It gets no registerer so the metrics do not collide.
func (f *fixture) sibling(t *testing.T) *Client {
	t.Helper()

	cfg := f.client.cfg
	cfg.Registerer = nil

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fixture) login(t *testing.T) *AuthResult {
	t.Helper()
	res, err := f.client.Login(context.Background(), LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, StatusAuthenticated, res.Status)
	return res
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := New(Config{})
		require.True(t, autherr.IsKind(err, autherr.KindConfiguration))
	})

	t.Run("fills endpoint defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.APIURL = "http://localhost:1"
		cfg.Endpoints = Endpoints{Login: "/v2/login"}

		c, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		require.Equal(t, "/v2/login", c.cfg.Endpoints.Login)
		require.Equal(t, "/auth/refresh", c.cfg.Endpoints.Refresh)
	})

	t.Run("persistSession false forces memory", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.APIURL = "http://localhost:1"
		cfg.StorageType = StorageFile
		cfg.StoragePath = t.TempDir()
		cfg.PersistSession = false

		c, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		_, ok := c.store.Medium().(*tokenstore.MemoryMedium)
		require.True(t, ok)
	})
}

func TestLoginScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res := f.login(t)
	require.Equal(t, f.user.ID, res.User.ID)
	require.NotNil(t, res.Session)

	// Bundle persisted with expiry in the future.
	b, err := f.client.store.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.True(t, b.ExpiresAt.After(f.clock.Now()))
	require.True(t, testEpoch.Add(15*time.Minute).Equal(b.ExpiresAt))

	// SIGNED_IN carries a session.
	ev, ok := f.events.last(events.SignedIn)
	require.True(t, ok)
	require.NotNil(t, ev.Session)
	require.Equal(t, f.user.ID, ev.Session.UserID)
	require.True(t, ev.Session.IsCurrent)

	// Scheduler armed at expiresIn - refreshThreshold.
	require.True(t, f.client.sched.Armed())
	require.True(t, testEpoch.Add(15*time.Minute-60*time.Second).Equal(f.client.NextRefresh()))

	require.True(t, f.client.IsAuthenticated(ctx))
	u, err := f.client.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, testEmail, u.Email)
}

func TestLoginValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.client.Login(ctx, LoginRequest{Password: "x"})
	require.True(t, autherr.IsKind(err, autherr.KindValidation))

	_, err = f.client.Login(ctx, LoginRequest{Email: testEmail, Password: "wrong"})
	require.True(t, autherr.IsKind(err, autherr.KindInvalidCredentials))
	require.Zero(t, f.srv.RefreshCalls(), "failed sign-in must not trigger a refresh")
	require.Empty(t, f.events.tags())
}

func TestScheduledRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.login(t)

	f.clock.Advance(14 * time.Minute)

	require.Eventually(t, func() bool {
		return f.events.count(events.TokenRefreshed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.srv.RefreshCalls())

	// Rearmed from the new expiry.
	require.Eventually(t, func() bool {
		return f.client.NextRefresh().Equal(f.clock.Now().Add(14 * time.Minute))
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerNeverDoubleArmed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)

	_, err := f.client.RefreshToken(ctx)
	require.NoError(t, err)
	_, err = f.client.RefreshToken(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, f.srv.RefreshCalls())

	f.clock.Advance(14*time.Minute + time.Second)

	require.Eventually(t, func() bool { return f.srv.RefreshCalls() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, f.srv.RefreshCalls())
}

func TestAutoRefreshDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, func(cfg *Config) { cfg.AutoRefreshToken = false })
	f.login(t)

	require.False(t, f.client.sched.Armed())
	require.True(t, f.client.NextRefresh().IsZero())
}

func TestLogout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)

	require.NoError(t, f.client.Logout(ctx))

	b, err := f.client.store.Read(ctx)
	require.NoError(t, err)
	require.Nil(t, b)
	require.False(t, f.client.sched.Armed())
	require.Equal(t, []events.Tag{events.SignedIn, events.SignedOut}, f.events.tags())
	require.Zero(t, f.srv.SessionCount(f.user.ID))

	t.Run("backend unreachable still clears", func(t *testing.T) {
		f.login(t)
		f.srv.FailNext(http.MethodPost, "/auth/logout", http.StatusServiceUnavailable, "UNAVAILABLE")
		require.NoError(t, f.client.Logout(ctx))
		require.False(t, f.client.IsAuthenticated(ctx))
	})
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)
	f.login(t)
	require.Equal(t, 2, f.srv.SessionCount(f.user.ID))

	require.NoError(t, f.client.LogoutAll(ctx))
	require.Zero(t, f.srv.SessionCount(f.user.ID))
	require.False(t, f.client.IsAuthenticated(ctx))
}

func TestMFALogin(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		opts []authtest.Option
	}{
		{"continuation payload", nil},
		{"MFA_REQUIRED error", []authtest.Option{authtest.WithMFAAsError()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tc.opts, nil)
			ctx := context.Background()
			secret := f.srv.EnableMFA(f.user.ID)

			res, err := f.client.Login(ctx, LoginRequest{Email: testEmail, Password: testPassword})
			require.NoError(t, err)
			require.Equal(t, StatusMFARequired, res.Status)
			require.NotEmpty(t, res.MFAToken)
			require.False(t, f.client.IsAuthenticated(ctx))

			ev, ok := f.events.last(events.MFARequired)
			require.True(t, ok)
			require.Equal(t, res.MFAToken, ev.MFAToken)

			_, err = f.client.VerifyMFA(ctx, res.MFAToken, "000000")
			require.True(t, autherr.IsKind(err, autherr.KindMFAInvalid))

			code, err := totp.GenerateCode(secret, f.clock.Now())
			require.NoError(t, err)

			res, err = f.client.VerifyMFA(ctx, res.MFAToken, code)
			require.NoError(t, err)
			require.Equal(t, StatusAuthenticated, res.Status)
			require.True(t, f.client.IsAuthenticated(ctx))
		})
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	t.Run("signs in", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil, nil)

		res, err := f.client.Register(context.Background(), RegisterRequest{
			Email: "new@example.com", Password: "long-enough", Username: "newbie",
		})
		require.NoError(t, err)
		require.Equal(t, StatusAuthenticated, res.Status)
		require.Equal(t, "newbie", res.User.Username)
	})

	t.Run("duplicate email", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil, nil)

		_, err := f.client.Register(context.Background(), RegisterRequest{Email: testEmail, Password: "long-enough"})
		e, ok := autherr.As(err)
		require.True(t, ok)
		require.Equal(t, autherr.KindAlreadyExists, e.Kind)
		require.Equal(t, "email", e.Field)
	})

	t.Run("validation fields", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil, nil)

		_, err := f.client.Register(context.Background(), RegisterRequest{Email: "x@example.com", Password: "short"})
		e, ok := autherr.As(err)
		require.True(t, ok)
		require.Equal(t, autherr.KindValidation, e.Kind)
		require.Contains(t, e.Fields, "password")
	})

	t.Run("verification required", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, []authtest.Option{authtest.WithEmailVerification()}, nil)
		ctx := context.Background()

		res, err := f.client.Register(ctx, RegisterRequest{Email: "v@example.com", Password: "long-enough"})
		require.NoError(t, err)
		require.Equal(t, StatusVerificationRequired, res.Status)
		require.False(t, f.client.IsAuthenticated(ctx))

		token := f.srv.VerificationToken(res.User.ID)
		require.NotEmpty(t, token)
		require.NoError(t, f.client.VerifyEmail(ctx, token))
		require.True(t, autherr.IsKind(f.client.VerifyEmail(ctx, token), autherr.KindInvalidToken))
	})
}

func TestInitializeRestoresSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := newFixture(t, nil, func(cfg *Config) {
		cfg.StorageType = StorageFile
		cfg.StoragePath = dir
	})
	ctx := context.Background()
	f.login(t)
	require.NoError(t, f.client.Close())

	t.Run("valid token", func(t *testing.T) {
		c := f.sibling(t)
		rec := record(c)

		require.NoError(t, c.Initialize(ctx))
		require.Equal(t, []events.Tag{events.SignedIn}, rec.tags())
		require.True(t, c.sched.Armed())
		require.Zero(t, f.srv.RefreshCalls())
	})

	t.Run("expired token refreshes once", func(t *testing.T) {
		f.clock.Advance(20 * time.Minute)

		c := f.sibling(t)
		rec := record(c)

		require.NoError(t, c.Initialize(ctx))
		require.Equal(t, []events.Tag{events.TokenRefreshed}, rec.tags())
		require.Equal(t, 1, f.srv.RefreshCalls())
		require.True(t, c.IsAuthenticated(ctx))
	})
}

func TestInitializeEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	require.NoError(t, f.client.Initialize(context.Background()))
	require.Empty(t, f.events.tags())
	require.False(t, f.client.sched.Armed())
}

func TestStorageSync(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := newFixture(t, nil, func(cfg *Config) {
		cfg.StorageType = StorageFile
		cfg.StoragePath = dir
		cfg.SyncStorage = true
	})
	ctx := context.Background()
	require.NoError(t, f.client.Initialize(ctx))

	// A second client in "another process" signs in through the same directory.
	other := f.sibling(t)

	_, err := other.Login(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.events.count(events.SignedIn) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, other.Logout(ctx))

	require.Eventually(t, func() bool {
		return f.events.count(events.SignedOut) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncRequiresWatcher(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, func(cfg *Config) { cfg.SyncStorage = true })
	err := f.client.Initialize(context.Background())
	require.True(t, autherr.IsKind(err, autherr.KindConfiguration))
}

func TestUserOperations(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)

	u, err := f.client.GetUser(ctx)
	require.NoError(t, err)
	require.Equal(t, f.user.ID, u.ID)
	require.Equal(t, 1, f.events.count(events.UserUpdated))

	name := "Ada Lovelace"
	u, err = f.client.UpdateProfile(ctx, ProfileUpdate{Name: &name})
	require.NoError(t, err)
	require.Equal(t, name, u.Name)
	require.Equal(t, 2, f.events.count(events.UserUpdated))

	stored, err := f.client.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, name, stored.Name)

	t.Run("availability", func(t *testing.T) {
		ok, err := f.client.CheckEmailAvailability(ctx, testEmail)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = f.client.CheckEmailAvailability(ctx, "free@example.com")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = f.client.CheckUsernameAvailability(ctx, " ")
		require.True(t, autherr.IsKind(err, autherr.KindValidation))
	})

	t.Run("change password", func(t *testing.T) {
		err := f.client.ChangePassword(ctx, "wrong", "new-password")
		require.True(t, autherr.IsKind(err, autherr.KindInvalidCredentials))

		require.NoError(t, f.client.ChangePassword(ctx, testPassword, "new-password"))
		_, err = f.client.Login(ctx, LoginRequest{Email: testEmail, Password: "new-password"})
		require.NoError(t, err)
	})
}

func TestPasswordReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.client.RequestPasswordReset(ctx, testEmail))
	token := f.srv.ResetToken(f.user.ID)
	require.NotEmpty(t, token)

	require.NoError(t, f.client.ResetPassword(ctx, token, "brand-new-pass"))
	_, err := f.client.Login(ctx, LoginRequest{Email: testEmail, Password: "brand-new-pass"})
	require.NoError(t, err)

	require.True(t, autherr.IsKind(f.client.ResetPassword(ctx, token, "again-again"), autherr.KindInvalidToken))
}

func TestMagicLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.client.SendMagicLink(ctx, testEmail, "https://app.example.com/welcome"))
	token := f.srv.MagicLinkToken(testEmail)
	require.NotEmpty(t, token)

	res, err := f.client.VerifyMagicLink(ctx, token)
	require.NoError(t, err)
	require.Equal(t, StatusAuthenticated, res.Status)

	_, err = f.client.VerifyMagicLink(ctx, token)
	require.True(t, autherr.IsKind(err, autherr.KindInvalidToken))
}

func TestSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)

	other := f.sibling(t)
	_, err := other.Login(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)

	sessions, err := f.client.GetSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	var foreign string
	current := 0
	for _, s := range sessions {
		if s.IsCurrent {
			current++
		} else {
			foreign = s.ID
		}
	}
	require.Equal(t, 1, current)

	require.NoError(t, f.client.RevokeSession(ctx, foreign))
	require.True(t, autherr.IsKind(f.client.RevokeSession(ctx, foreign), autherr.KindNotFound))
	require.Equal(t, 1, f.srv.SessionCount(f.user.ID))
}

func TestMFAEnrollment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)

	setup, err := f.client.SetupMFA(ctx)
	require.NoError(t, err)

	key, err := setup.Key()
	require.NoError(t, err)
	require.Equal(t, setup.Secret, key.Secret())

	code, err := totp.GenerateCode(key.Secret(), f.clock.Now())
	require.NoError(t, err)
	codes, err := f.client.VerifyMFASetup(ctx, code)
	require.NoError(t, err)
	require.Len(t, codes, 8)

	require.NoError(t, f.client.DisableMFA(ctx, codes[0]))
}

func TestParseTOTPSetup(t *testing.T) {
	t.Parallel()

	_, err := ParseTOTPSetup("")
	require.True(t, autherr.IsKind(err, autherr.KindValidation))

	_, err = ParseTOTPSetup("otpauth://hotp/x?secret=JBSWY3DPEHPK3PXP&counter=1")
	require.True(t, autherr.IsKind(err, autherr.KindValidation))

	key, err := ParseTOTPSetup("otpauth://totp/Example:ada?secret=JBSWY3DPEHPK3PXP&issuer=Example")
	require.NoError(t, err)
	require.Equal(t, "Example", key.Issuer())
}

func TestOAuthFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, func(cfg *Config) { cfg.OAuthClientID = "app" })
	ctx := context.Background()

	start, err := f.client.OAuthURL("github", "http://app.local/callback")
	require.NoError(t, err)

	u, err := url.Parse(start.URL)
	require.NoError(t, err)
	require.Equal(t, "/auth/oauth/github/authorize", u.Path)
	require.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	require.Equal(t, start.State, u.Query().Get("state"))
	require.Equal(t, "app", u.Query().Get("client_id"))

	// Follow the authorize redirect the way a browser would.
	hc := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := hc.Get(start.URL)
	require.NoError(t, err)
	resp.Body.Close()
	back, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	t.Run("unknown state", func(t *testing.T) {
		_, err := f.client.HandleOAuthCallback(ctx, "github", back.Query().Get("code"), "forged")
		require.True(t, autherr.IsKind(err, autherr.KindCSRF))
	})

	res, err := f.client.HandleOAuthCallback(ctx, "github", back.Query().Get("code"), back.Query().Get("state"))
	require.NoError(t, err)
	require.Equal(t, StatusAuthenticated, res.Status)
	require.Equal(t, "github-user@example.com", res.User.Email)

	t.Run("state is single use", func(t *testing.T) {
		_, err := f.client.HandleOAuthCallback(ctx, "github", "x", back.Query().Get("state"))
		require.True(t, autherr.IsKind(err, autherr.KindCSRF))
	})
}

// failingMedium simulates an unreachable store.
type failingMedium struct{}

var errMediumDown = errors.New("medium down")

func (failingMedium) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errMediumDown
}
func (failingMedium) SetItem(context.Context, string, string) error { return errMediumDown }
func (failingMedium) RemoveItem(context.Context, string) error     { return errMediumDown }

func TestStorageFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, func(cfg *Config) {
		cfg.StorageType = StorageCustom
		cfg.Storage = failingMedium{}
	})
	ctx := context.Background()

	f.login(t)

	ev, ok := f.events.last(events.Error)
	require.True(t, ok)
	require.True(t, autherr.IsKind(ev.Err, autherr.KindStorage))
	require.ErrorIs(t, ev.Err, errMediumDown)

	// The session keeps working from memory.
	require.True(t, f.client.IsAuthenticated(ctx))
	_, err := f.client.GetUser(ctx)
	require.NoError(t, err)

	require.Positive(t, testutil.ToFloat64(f.client.metrics.StorageErrorsTotal.WithLabelValues("write")))

	err = f.client.Logout(ctx)
	require.True(t, autherr.IsKind(err, autherr.KindStorage))
	require.False(t, f.client.IsAuthenticated(ctx))
}

func TestOnAuthStateChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	var mu sync.Mutex
	var seen []events.Tag
	unsubscribe := f.client.OnAuthStateChange(func(tag events.Tag, _ *Session) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tag)
	})

	var errs []error
	f.client.OnError(func(err error) { errs = append(errs, err) })

	f.login(t)
	require.NoError(t, f.client.Logout(context.Background()))
	unsubscribe()
	f.login(t)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []events.Tag{events.SignedIn, events.SignedOut}, seen)
	require.Empty(t, errs)
}

func TestOnceAndOff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	calls := 0
	f.client.Once(events.SignedIn, func(events.Event) error {
		calls++
		return nil
	})

	f.login(t)
	f.login(t)
	require.Equal(t, 1, calls)

	f.client.Off(events.SignedIn)
	f.login(t)
	require.Equal(t, 2, f.events.count(events.SignedIn), "Off removes the recorder's handler too")
}
