package authclient

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/events"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

const refreshKey = "refresh"

// refresher guarantees at most one refresh call in flight per client. Every
// caller that arrives while one is running waits for, and receives, that
// call's outcome.
type refresher struct {
	group   singleflight.Group
	c       *Client
	logger  *slog.Logger
	metrics *Metrics
}

// refreshOutcome is what the flight hands back alongside its error.
type refreshOutcome struct {
	bundle *tokenstore.Bundle
	// ended is set when the refresh failed and the session was cleared.
	ended bool
}

// Refresh performs or joins the in-flight refresh.
//
// The refresh itself runs detached from ctx: once started it always
// completes and updates storage, even if every waiter has given up. ctx only
// bounds how long this caller waits.
func (r *refresher) Refresh(ctx context.Context) (*tokenstore.Bundle, error) {
	var led atomic.Bool
	detached := context.WithoutCancel(ctx)

	ch := r.group.DoChan(refreshKey, func() (any, error) {
		led.Store(true)
		return r.run(detached)
	})

	select {
	case res := <-ch:
		if led.Load() {
			r.announce(res)
		} else {
			r.metrics.refreshJoined()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*refreshOutcome).bundle.Clone(), nil

	case <-ctx.Done():
		// The leader still owes the announcement once the flight lands.
		go func() {
			res := <-ch
			if led.Load() {
				r.announce(res)
			}
		}()
		return nil, autherr.FromTransport(ctx.Err())
	}
}

// accessToken adapts Refresh for the pipeline.
func (r *refresher) accessToken(ctx context.Context) (string, error) {
	b, err := r.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return b.AccessToken, nil
}

// run is the single network refresh. It updates storage and the scheduler
// before any waiter is released.
func (r *refresher) run(ctx context.Context) (*refreshOutcome, error) {
	c := r.c

	current, err := c.store.Read(ctx)
	if err != nil {
		c.storageFailed("read", err)
	}
	if current == nil {
		r.metrics.refreshed("no_session")
		return &refreshOutcome{},
			autherr.New(autherr.KindInvalidToken, "no refresh token available")
	}

	var payload authResponse
	resp, err := c.pipe.do(ctx, &Request{
		Method:      http.MethodPost,
		Path:        c.cfg.Endpoints.Refresh,
		Body:        map[string]string{"refreshToken": current.RefreshToken},
		SkipAuth:    true,
		SkipRefresh: true,
		isRefresh:   true,
	})
	if err == nil {
		err = decode(resp, &payload)
	}
	if err == nil && payload.AccessToken == "" {
		err = autherr.New(autherr.KindInvalidToken, "refresh response carried no access token")
	}
	if err != nil {
		return r.fail(ctx, current, err)
	}

	// Backends that do not rotate refresh tokens may omit it.
	if payload.RefreshToken == "" {
		payload.RefreshToken = current.RefreshToken
	}
	next := c.bundleFrom(&payload, current.User)

	c.setLastSeen(next.AccessToken)
	if err := c.store.Write(ctx, next); err != nil {
		c.storageFailed("write", err)
	}
	c.armScheduler(next)

	r.metrics.refreshed("success")
	r.logger.Info("Session refreshed",
		"user_id", next.User.ID,
		"expires_at", next.ExpiresAt,
		"access_token_fp", cryptox.Fingerprint(next.AccessToken),
	)

	return &refreshOutcome{bundle: next}, nil
}

// fail ends the session after a failed refresh. Transport failures have
// already been retried by the pipeline, so whatever reaches here is final.
func (r *refresher) fail(ctx context.Context, current *tokenstore.Bundle, err error) (*refreshOutcome, error) {
	c := r.c

	result, msg := "failure", "SECURITY_AUDIT: session refresh failed, ending session"
	if rejectedRefresh(err) {
		result, msg = "rejected", "SECURITY_AUDIT: refresh token rejected, ending session"
	}
	r.metrics.refreshed(result)
	r.logger.Warn(msg,
		"event", "session_expired",
		"user_id", current.User.ID,
		"refresh_token_fp", cryptox.Fingerprint(current.RefreshToken),
		"error", err.Error(),
	)

	c.sched.Stop()
	c.setLastSeen("")
	if clearErr := c.store.Clear(ctx); clearErr != nil {
		c.storageFailed("clear", clearErr)
	}

	return &refreshOutcome{ended: true}, err
}

// announce publishes the lifecycle events of a finished flight. It runs once
// per flight, after every waiter has been released.
func (r *refresher) announce(res singleflight.Result) {
	out, _ := res.Val.(*refreshOutcome)
	if out == nil {
		return
	}

	switch {
	case res.Err == nil:
		r.c.publish(events.Event{Tag: events.TokenRefreshed, Session: r.c.sessionOf(out.bundle)})
	case out.ended:
		r.c.publish(events.Event{Tag: events.SignedOut})
		r.c.publish(events.Event{Tag: events.SessionExpired, Err: res.Err})
	}
}

// rejectedRefresh reports whether the backend refused the refresh token
// itself, as opposed to failing to answer. It only labels the failure.
func rejectedRefresh(err error) bool {
	e, ok := autherr.As(err)
	if !ok || e.Status == 0 {
		return false
	}
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.Status >= 400 && e.Status < 500
}
