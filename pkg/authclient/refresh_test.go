package authclient

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/events"
)

// refreshConcurrently starts n RefreshToken calls while the backend holds
// refresh requests, releases the backend once they have all joined and
// returns what each call got.
func refreshConcurrently(t *testing.T, f *fixture, n int) ([]*Session, []error) {
	t.Helper()

	release := f.srv.HoldRefresh()
	t.Cleanup(release)

	sessions := make([]*Session, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = f.client.RefreshToken(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return f.srv.RefreshCalls() == 1 }, 2*time.Second, time.Millisecond)
	// Give the remaining callers time to reach the flight.
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	return sessions, errs
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	t.Parallel()

	const n = 8

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)

	before, err := f.client.AccessToken(ctx)
	require.NoError(t, err)

	sessions, errs := refreshConcurrently(t, f, n)
	for i := range n {
		require.NoError(t, errs[i])
		require.NotNil(t, sessions[i])
		require.Equal(t, sessions[0].ExpiresAt, sessions[i].ExpiresAt)
	}

	require.Equal(t, 1, f.srv.RefreshCalls())
	require.Equal(t, 1, f.events.count(events.TokenRefreshed))
	require.InDelta(t, n-1, testutil.ToFloat64(f.client.metrics.RefreshJoinsTotal), 0)
	require.InDelta(t, 1, testutil.ToFloat64(f.client.metrics.RefreshTotal.WithLabelValues("success")), 0)

	after, err := f.client.AccessToken(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	t.Run("next flight starts fresh", func(t *testing.T) {
		_, err := f.client.RefreshToken(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, f.srv.RefreshCalls())
	})
}

func TestConcurrentRefreshRejected(t *testing.T) {
	t.Parallel()

	const n = 5

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.login(t)
	f.srv.RevokeSessions(f.user.ID)

	_, errs := refreshConcurrently(t, f, n)
	for _, err := range errs {
		require.True(t, autherr.IsKind(err, autherr.KindInvalidToken), "got %v", err)
	}
	require.Equal(t, 1, f.srv.RefreshCalls())

	b, err := f.client.store.Read(ctx)
	require.NoError(t, err)
	require.Nil(t, b)
	require.False(t, f.client.sched.Armed())

	require.Equal(t, []events.Tag{events.SignedIn, events.SignedOut, events.SessionExpired}, f.events.tags())
	ev, _ := f.events.last(events.SessionExpired)
	require.True(t, autherr.IsKind(ev.Err, autherr.KindInvalidToken))
}

func TestRefreshAndReplay(t *testing.T) {
	t.Parallel()

	t.Run("revoked access token is replaced transparently", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil, nil)
		f.login(t)
		f.srv.RevokeAccessTokens(f.user.ID)

		u, err := f.client.GetUser(context.Background())
		require.NoError(t, err)
		require.Equal(t, f.user.ID, u.ID)

		require.Equal(t, 1, f.srv.RefreshCalls())
		require.Len(t, f.srv.Requests("/auth/me"), 2)
	})

	t.Run("replay is attempted once", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil, nil)
		f.login(t)
		f.srv.FailNext(http.MethodGet, "/auth/me", http.StatusUnauthorized, "INVALID_TOKEN")
		f.srv.FailNext(http.MethodGet, "/auth/me", http.StatusUnauthorized, "INVALID_TOKEN")

		_, err := f.client.GetUser(context.Background())
		e, ok := autherr.As(err)
		require.True(t, ok)
		require.Equal(t, autherr.KindInvalidToken, e.Kind)
		require.Equal(t, http.StatusUnauthorized, e.Status)

		require.Equal(t, 1, f.srv.RefreshCalls())
		require.Len(t, f.srv.Requests("/auth/me"), 2)
	})

	t.Run("unauthenticated calls never refresh", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil, nil)
		f.login(t)

		_, err := f.client.Login(context.Background(), LoginRequest{Email: testEmail, Password: "nope"})
		require.True(t, autherr.IsKind(err, autherr.KindInvalidCredentials))
		require.Zero(t, f.srv.RefreshCalls())
	})
}

func TestRefreshFailureEndsSession(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil, nil)
			ctx := context.Background()
			f.login(t)
			f.srv.FailNext(http.MethodPost, "/auth/refresh", status, "")

			_, err := f.client.RefreshToken(ctx)
			e, ok := autherr.As(err)
			require.True(t, ok)
			require.Equal(t, status, e.Status)

			b, err := f.client.store.Read(ctx)
			require.NoError(t, err)
			require.Nil(t, b)
			require.False(t, f.client.IsAuthenticated(ctx))
			require.False(t, f.client.sched.Armed())

			require.Equal(t, []events.Tag{events.SignedIn, events.SignedOut, events.SessionExpired}, f.events.tags())
			require.InDelta(t, 1, testutil.ToFloat64(f.client.metrics.RefreshTotal.WithLabelValues("failure")), 0)
		})
	}

	t.Run("scheduled refresh", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil, func(cfg *Config) { cfg.MaxRetries = 0 })
		ctx := context.Background()
		f.login(t)
		f.srv.FailNext(http.MethodPost, "/auth/refresh", http.StatusServiceUnavailable, "")

		f.clock.Advance(14 * time.Minute)

		require.Eventually(t, func() bool {
			return f.events.count(events.SessionExpired) == 1
		}, 2*time.Second, 5*time.Millisecond)

		b, err := f.client.store.Read(ctx)
		require.NoError(t, err)
		require.Nil(t, b)
		require.False(t, f.client.sched.Armed())
		require.True(t, f.client.NextRefresh().IsZero())
		require.Equal(t, []events.Tag{events.SignedIn, events.SignedOut, events.SessionExpired}, f.events.tags())

		// Nothing fires once the session is gone.
		f.clock.Advance(time.Hour)
		time.Sleep(20 * time.Millisecond)
		require.Zero(t, f.srv.RefreshCalls())
	})
}

func TestRefreshWithoutSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)

	_, err := f.client.RefreshToken(context.Background())
	require.True(t, autherr.IsKind(err, autherr.KindInvalidToken))
	require.Zero(t, f.srv.RefreshCalls())
	require.Empty(t, f.events.tags())
}

func TestRefreshWaiterGivesUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.login(t)

	release := f.srv.HoldRefresh()
	t.Cleanup(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.client.RefreshToken(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.srv.RefreshCalls() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)

	// The flight still lands and is announced.
	release()
	require.Eventually(t, func() bool {
		return f.events.count(events.TokenRefreshed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.client.IsAuthenticated(context.Background()))
}

func TestRejectedRefreshLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unauthorized", &autherr.Error{Kind: autherr.KindInvalidToken, Status: 401}, true},
		{"bad request", &autherr.Error{Kind: autherr.KindValidation, Status: 400}, true},
		{"rate limited", &autherr.Error{Kind: autherr.KindRateLimited, Status: 429}, false},
		{"request timeout", &autherr.Error{Kind: autherr.KindUnknown, Status: 408}, false},
		{"server error", &autherr.Error{Kind: autherr.KindUnknown, Status: 502}, false},
		{"network", autherr.New(autherr.KindNetwork, "down"), false},
		{"client side", validationError("x", "y"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rejectedRefresh(tc.err))
		})
	}
}
