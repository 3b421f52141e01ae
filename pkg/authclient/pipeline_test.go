package authclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/authtest"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// flakyTransport fails the first n round trips with a connection error.
type flakyTransport struct {
	fail     int32
	attempts atomic.Int32
	base     http.RoundTripper
}

var errConnReset = errors.New("connection reset by peer")

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.attempts.Add(1) <= f.fail {
		return nil, errConnReset
	}
	return f.base.RoundTrip(req)
}

// newPipelineClient builds a client on the real clock against srv.
func newPipelineClient(t *testing.T, srv *authtest.Server, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.APIURL = srv.URL
	cfg.Logger = slogx.Discard()
	cfg.Registerer = prometheus.NewRegistry()
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.RetryBackoff = 2
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func csrfRequest() *Request {
	return &Request{Method: http.MethodGet, Path: "/auth/csrf", SkipAuth: true}
}

func TestPipelineRetries(t *testing.T) {
	t.Parallel()

	srv := authtest.NewServer()
	t.Cleanup(srv.Close)

	t.Run("transport failures back off exponentially", func(t *testing.T) {
		t.Parallel()

		flaky := &flakyTransport{fail: 2, base: http.DefaultTransport}
		var mu sync.Mutex
		var delays []time.Duration

		c := newPipelineClient(t, srv, func(cfg *Config) {
			cfg.HTTPClient = &http.Client{Transport: flaky}
			cfg.OnRetry = func(info RetryInfo) bool {
				mu.Lock()
				defer mu.Unlock()
				delays = append(delays, info.Delay)
				require.ErrorIs(t, info.Err, errConnReset)
				return true
			}
		})

		resp, err := c.Do(context.Background(), csrfRequest(), nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.Status)

		require.EqualValues(t, 3, flaky.attempts.Load())
		require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
		require.InDelta(t, 2, testutil.ToFloat64(c.metrics.RetriesTotal), 0)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()

		flaky := &flakyTransport{fail: 100, base: http.DefaultTransport}
		c := newPipelineClient(t, srv, func(cfg *Config) {
			cfg.HTTPClient = &http.Client{Transport: flaky}
			cfg.MaxRetries = 2
			cfg.RetryDelay = time.Millisecond
		})

		_, err := c.Do(context.Background(), csrfRequest(), nil)
		require.True(t, autherr.IsKind(err, autherr.KindNetwork))
		require.ErrorIs(t, err, errConnReset)
		require.EqualValues(t, 3, flaky.attempts.Load())
	})

	t.Run("onRetry can abort", func(t *testing.T) {
		t.Parallel()

		flaky := &flakyTransport{fail: 100, base: http.DefaultTransport}
		c := newPipelineClient(t, srv, func(cfg *Config) {
			cfg.HTTPClient = &http.Client{Transport: flaky}
			cfg.OnRetry = func(RetryInfo) bool { return false }
		})

		_, err := c.Do(context.Background(), csrfRequest(), nil)
		require.True(t, autherr.IsKind(err, autherr.KindNetwork))
		require.EqualValues(t, 1, flaky.attempts.Load())
	})

	t.Run("retry disabled", func(t *testing.T) {
		t.Parallel()

		flaky := &flakyTransport{fail: 100, base: http.DefaultTransport}
		c := newPipelineClient(t, srv, func(cfg *Config) {
			cfg.HTTPClient = &http.Client{Transport: flaky}
			cfg.Retry = false
		})

		_, err := c.Do(context.Background(), csrfRequest(), nil)
		require.Error(t, err)
		require.EqualValues(t, 1, flaky.attempts.Load())
	})
}

func TestPipelineDoesNotRetryHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := authtest.NewServer()
	t.Cleanup(srv.Close)
	srv.FailNext(http.MethodGet, "/auth/csrf", http.StatusServiceUnavailable, "")

	c := newPipelineClient(t, srv, nil)

	resp, err := c.Do(context.Background(), csrfRequest(), nil)
	e, ok := autherr.As(err)
	require.True(t, ok)
	require.Equal(t, http.StatusServiceUnavailable, e.Status)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Len(t, srv.Requests("/auth/csrf"), 1)

	require.InDelta(t, 1, testutil.ToFloat64(c.metrics.RequestsTotal.WithLabelValues(http.MethodGet, "5xx")), 0)
}

func TestPipelineTimeout(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	cfg := DefaultConfig()
	cfg.APIURL = slow.URL
	cfg.Logger = slogx.Discard()
	cfg.Timeout = 20 * time.Millisecond
	cfg.Retry = false

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	start := time.Now()
	_, err = c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/slow"}, nil)
	require.True(t, autherr.IsKind(err, autherr.KindTimeout), "got %v", err)
	require.Less(t, time.Since(start), time.Second)

	t.Run("per-request override", func(t *testing.T) {
		_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/slow", Timeout: 5 * time.Millisecond}, nil)
		require.True(t, autherr.IsKind(err, autherr.KindTimeout))
	})
}

func TestPipelineHeaders(t *testing.T) {
	t.Parallel()

	srv := authtest.NewServer()
	t.Cleanup(srv.Close)

	c := newPipelineClient(t, srv, func(cfg *Config) {
		cfg.Headers = map[string]string{"X-App": "authclient-test"}
	})

	_, err := c.Do(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   "/auth/csrf",
		Header: http.Header{"X-Extra": {"1"}},
	}, nil)
	require.NoError(t, err)

	reqs := srv.Requests("/auth/csrf")
	require.Len(t, reqs, 1)
	h := reqs[0].Header
	require.Equal(t, "authclient-test", h.Get("X-App"))
	require.Equal(t, "1", h.Get("X-Extra"))
	require.NotEmpty(t, h.Get(headerRequestID))
	require.Empty(t, h.Get(headerAuthorization), "no session, no bearer token")
}

func TestPipelineCSRF(t *testing.T) {
	t.Parallel()

	srv := authtest.NewServer(authtest.WithCSRF())
	t.Cleanup(srv.Close)
	srv.AddUser(testEmail, testPassword)

	c := newPipelineClient(t, srv, func(cfg *Config) { cfg.CSRFProtection = true })
	ctx := context.Background()

	_, err := c.Login(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	require.True(t, autherr.IsKind(err, autherr.KindCSRF))

	token, err := c.FetchCSRFToken(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, token, c.CSRFToken())

	_, err = c.Login(ctx, LoginRequest{Email: testEmail, Password: testPassword})
	require.NoError(t, err)

	_, err = c.GetUser(ctx)
	require.NoError(t, err)

	logins := srv.Requests("/auth/login")
	require.Equal(t, token, logins[len(logins)-1].Header.Get(httpx.CSRFHeader))

	me := srv.Requests("/auth/me")
	require.Len(t, me, 1)
	require.Empty(t, me[0].Header.Get(httpx.CSRFHeader), "safe methods carry no CSRF token")
}

func TestPipelineInterceptors(t *testing.T) {
	t.Parallel()

	srv := authtest.NewServer()
	t.Cleanup(srv.Close)

	c := newPipelineClient(t, srv, nil)
	ctx := context.Background()

	c.UseRequestInterceptor(func(r *http.Request) error {
		r.Header.Add("X-Trace", "first")
		return nil
	})
	c.UseRequestInterceptor(func(r *http.Request) error {
		r.Header.Add("X-Trace", "second")
		return nil
	})

	// Turn the backend's 404 for /legacy into a canned success.
	c.UseResponseInterceptor(func(resp *http.Response) (*http.Response, error) {
		if resp.Request.URL.Path != "/legacy" {
			return resp, nil
		}
		resp.StatusCode = http.StatusOK
		resp.Header = http.Header{"Content-Type": {"application/json"}}
		resp.Body = io.NopCloser(bytes.NewBufferString(`{"ok":true}`))
		return resp, nil
	})

	var out struct {
		OK bool `json:"ok"`
	}
	_, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/legacy"}, &out)
	require.NoError(t, err)
	require.True(t, out.OK)

	_, err = c.Do(ctx, csrfRequest(), nil)
	require.NoError(t, err)

	reqs := srv.Requests("/auth/csrf")
	require.Len(t, reqs, 1)
	require.Equal(t, []string{"first", "second"}, reqs[0].Header.Values("X-Trace"))

	t.Run("request interceptor error aborts", func(t *testing.T) {
		c := newPipelineClient(t, srv, nil)
		before := len(srv.Requests("/auth/csrf"))
		boom := errors.New("boom")
		c.UseRequestInterceptor(func(*http.Request) error { return boom })

		_, err := c.Do(ctx, csrfRequest(), nil)
		require.ErrorIs(t, err, boom)
		require.True(t, autherr.IsKind(err, autherr.KindUnknown))
		require.Len(t, srv.Requests("/auth/csrf"), before)
	})
}

func TestDecode(t *testing.T) {
	t.Parallel()

	jsonHeader := http.Header{"Content-Type": {"application/json; charset=utf-8"}}
	textHeader := http.Header{"Content-Type": {"text/plain"}}

	t.Run("json into struct", func(t *testing.T) {
		var out struct{ Name string }
		require.NoError(t, decode(&Response{Header: jsonHeader, Body: []byte(`{"Name":"ada"}`)}, &out))
		require.Equal(t, "ada", out.Name)
	})

	t.Run("problem+json", func(t *testing.T) {
		var out map[string]any
		h := http.Header{"Content-Type": {"application/problem+json"}}
		require.NoError(t, decode(&Response{Header: h, Body: []byte(`{"a":1}`)}, &out))
		require.EqualValues(t, 1, out["a"])
	})

	t.Run("text into string", func(t *testing.T) {
		var out string
		require.NoError(t, decode(&Response{Header: textHeader, Body: []byte("hello")}, &out))
		require.Equal(t, "hello", out)
	})

	t.Run("text into struct", func(t *testing.T) {
		var out struct{}
		err := decode(&Response{Header: textHeader, Body: []byte("hello")}, &out)
		require.True(t, autherr.IsKind(err, autherr.KindUnknown))
	})

	t.Run("untyped valid json", func(t *testing.T) {
		var out []int
		require.NoError(t, decode(&Response{Header: http.Header{}, Body: []byte(`[1,2]`)}, &out))
		require.Equal(t, []int{1, 2}, out)
	})

	t.Run("empty body", func(t *testing.T) {
		var out struct{ Name string }
		require.NoError(t, decode(&Response{Header: jsonHeader}, &out))
		require.Empty(t, out.Name)
	})

	t.Run("malformed json", func(t *testing.T) {
		var out struct{ Name string }
		err := decode(&Response{Header: jsonHeader, Body: []byte(`{"Name":`)}, &out)
		require.True(t, autherr.IsKind(err, autherr.KindUnknown))
	})
}

func TestResolve(t *testing.T) {
	t.Parallel()

	srv := authtest.NewServer()
	t.Cleanup(srv.Close)

	c := newPipelineClient(t, srv, func(cfg *Config) { cfg.APIURL = srv.URL + "/api/" })

	u, err := c.pipe.resolve("/auth/login")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/api/auth/login", u.String())

	u, err = c.pipe.resolve("https://other.example.com/x")
	require.NoError(t, err)
	require.Equal(t, "https://other.example.com/x", u.String())
}
