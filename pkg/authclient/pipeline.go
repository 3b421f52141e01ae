package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/idx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

const (
	headerAuthorization = "Authorization"
	headerRequestID     = "X-Request-ID"
	headerCSRF          = httpx.CSRFHeader
)

// Request describes one call through the pipeline.
type Request struct {
	Method string
	// Path is joined to the configured APIURL unless it is already absolute.
	Path   string
	Query  url.Values
	Header http.Header
	// Body is sent as JSON. An io.Reader or []byte is sent as-is.
	Body any

	// SkipAuth omits the Authorization header. Unauthenticated calls never
	// trigger a refresh.
	SkipAuth bool
	// SkipRefresh disables refresh-and-replay when the call answers 401.
	SkipRefresh bool
	// NoRetry disables transport retries for this call.
	NoRetry bool
	// Timeout overrides Config.Timeout for each attempt.
	Timeout time.Duration
	// OnRetry overrides Config.OnRetry.
	OnRetry RetryFunc

	isRefresh bool
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// RequestInterceptor may rewrite an outbound request (URL, headers) before it
// is sent. Returning an error aborts the call.
type RequestInterceptor func(*http.Request) error

// ResponseInterceptor may inspect or replace a response before the pipeline
// looks at its status code.
type ResponseInterceptor func(*http.Response) (*http.Response, error)

// RetryInfo describes a retry about to happen.
type RetryInfo struct {
	Method  string
	URL     string
	Attempt int // the attempt that just failed, starting at 1
	Delay   time.Duration
	Err     error
}

// RetryFunc is called before each retry wait. Returning false aborts the call
// with the last error.
type RetryFunc func(RetryInfo) bool

// refreshFunc performs (or joins) a token refresh and returns the new access token.
type refreshFunc func(ctx context.Context) (string, error)

// pipeline sends every request the client makes.
type pipeline struct {
	baseURL *url.URL
	cfg     *Config
	http    *http.Client
	store   *tokenstore.Store
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *Metrics
	refresh refreshFunc

	mu           sync.RWMutex
	reqIcpts     []RequestInterceptor
	respIcpts    []ResponseInterceptor
	csrfToken    string
	onStorageErr func(error)
}

func (p *pipeline) useRequest(ic RequestInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqIcpts = append(p.reqIcpts, ic)
}

func (p *pipeline) useResponse(ic ResponseInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respIcpts = append(p.respIcpts, ic)
}

func (p *pipeline) setCSRF(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.csrfToken = token
}

func (p *pipeline) csrf() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.csrfToken
}

// do runs a request to completion: send with retries, then on 401 refresh
// once and replay once. Any non-2xx final status is returned as *autherr.Error.
func (p *pipeline) do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized && p.canRefresh(req) {
		log := slogx.FromContext(ctx)
		log.Debug("Request unauthorized, refreshing session", "path", req.Path)

		if _, err := p.refresh(ctx); err != nil {
			return nil, err
		}

		replay := *req
		replay.SkipRefresh = true
		resp, err = p.execute(ctx, &replay)
		if err != nil {
			return nil, err
		}
	}

	if !resp.OK() {
		return resp, autherr.FromResponse(resp.Status, resp.Header, resp.Body)
	}
	return resp, nil
}

func (p *pipeline) canRefresh(req *Request) bool {
	return !req.SkipAuth && !req.SkipRefresh && !req.isRefresh && p.refresh != nil
}

// execute sends req, retrying transport failures with exponential backoff.
func (p *pipeline) execute(ctx context.Context, req *Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, err, "failed to encode request body")
	}

	maxAttempts := 1
	if p.cfg.Retry && !req.NoRetry {
		maxAttempts += p.cfg.MaxRetries
	}

	onRetry := req.OnRetry
	if onRetry == nil {
		onRetry = p.cfg.OnRetry
	}

	schedule := p.newBackOff()

	for attempt := 1; ; attempt++ {
		resp, err := p.attempt(ctx, req, body)
		if err == nil {
			return resp, nil
		}

		if !autherr.IsRetryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			return nil, err
		}

		delay := schedule.NextBackOff()
		if onRetry != nil && !onRetry(RetryInfo{
			Method:  req.Method,
			URL:     req.Path,
			Attempt: attempt,
			Delay:   delay,
			Err:     err,
		}) {
			return nil, err
		}

		p.metrics.retry()
		slogx.FromContext(ctx).Debug("Retrying request",
			"path", req.Path,
			"attempt", attempt,
			"delay", delay,
			"error", err.Error(),
		)

		timer := p.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, autherr.FromTransport(ctx.Err())
		case <-timer.Chan():
		}
	}
}

// newBackOff yields delay, delay*backoff, delay*backoff^2, ...
func (p *pipeline) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryDelay
	b.Multiplier = max(p.cfg.RetryBackoff, 1)
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// attempt performs one network round trip under the per-attempt timeout.
func (p *pipeline) attempt(ctx context.Context, req *Request, body []byte) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := p.build(ctx, req, body)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	reqIcpts := p.reqIcpts
	respIcpts := p.respIcpts
	p.mu.RUnlock()

	for _, ic := range reqIcpts {
		if err := ic(httpReq); err != nil {
			return nil, interceptorError(err, "request interceptor failed")
		}
	}

	httpResp, err := p.http.Do(httpReq)
	if err != nil {
		p.metrics.request(req.Method, 0)
		return nil, autherr.FromTransport(err)
	}

	// Read while the timeout still applies, so a stalled body is a timeout too.
	data, err := io.ReadAll(httpResp.Body)
	_ = httpResp.Body.Close()
	if err != nil {
		p.metrics.request(req.Method, 0)
		return nil, autherr.FromTransport(err)
	}
	httpResp.Body = io.NopCloser(bytes.NewReader(data))

	for _, ic := range respIcpts {
		httpResp, err = ic(httpResp)
		if err != nil {
			return nil, interceptorError(err, "response interceptor failed")
		}
	}

	if httpResp.Body != nil {
		data, err = io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if err != nil {
			return nil, autherr.FromTransport(err)
		}
	}

	if tok := httpResp.Header.Get(headerCSRF); tok != "" {
		p.setCSRF(tok)
	}

	p.metrics.request(req.Method, httpResp.StatusCode)
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// build resolves the URL and sets default, per-call, auth, CSRF and
// correlation headers.
func (p *pipeline) build(ctx context.Context, req *Request, body []byte) (*http.Request, error) {
	u, err := p.resolve(req.Path)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, err, "invalid request path")
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	reqID := idx.NewRequestID()
	ctx = slogx.WithContext(ctx, p.logger.With("req_id", reqID, "method", method, "path", u.Path))

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, err, "failed to create request")
	}

	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", contentTypeFor(req.Body))
	}
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set(headerRequestID, reqID)

	if !req.SkipAuth && httpReq.Header.Get(headerAuthorization) == "" {
		if token := p.accessToken(ctx); token != "" {
			httpReq.Header.Set(headerAuthorization, "Bearer "+token)
		}
	}

	if p.cfg.CSRFProtection && httpx.IsMutating(method) {
		if tok := p.csrf(); tok != "" {
			httpReq.Header.Set(headerCSRF, tok)
		}
	}

	return httpReq, nil
}

// accessToken reads the current token. When the medium fails the in-memory
// copy is still used.
func (p *pipeline) accessToken(ctx context.Context) string {
	b, err := p.store.Read(ctx)
	if err != nil && p.onStorageErr != nil {
		p.onStorageErr(err)
	}
	if b == nil {
		return ""
	}
	return b.AccessToken
}

func (p *pipeline) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}

	u := *p.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return &u, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case io.Reader:
		return io.ReadAll(b)
	default:
		return json.Marshal(b)
	}
}

func contentTypeFor(body any) string {
	switch body.(type) {
	case []byte, string, io.Reader:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}

func interceptorError(err error, msg string) error {
	var e *autherr.Error
	if errors.As(err, &e) {
		return e
	}
	return autherr.Wrap(autherr.KindUnknown, err, msg)
}

// decode parses a successful response into out. JSON bodies are unmarshalled;
// other bodies can only be read into *string or *[]byte.
func decode(resp *Response, out any) error {
	if out == nil || len(resp.Body) == 0 {
		return nil
	}

	switch o := out.(type) {
	case *[]byte:
		*o = resp.Body
		return nil
	case *string:
		if !isJSON(resp.Header) {
			*o = string(resp.Body)
			return nil
		}
	}

	if !isJSON(resp.Header) {
		// Tolerate a missing content type when the body is valid JSON.
		if !json.Valid(resp.Body) {
			return autherr.New(autherr.KindUnknown,
				fmt.Sprintf("unexpected %q response", resp.Header.Get("Content-Type")))
		}
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return autherr.Wrap(autherr.KindUnknown, err, "failed to decode response")
	}
	return nil
}

func isJSON(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
