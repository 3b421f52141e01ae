package authclient

import (
	"context"
	"net/http"

	"github.com/aussiebroadwan/authclient/pkg/events"
)

// Do sends req through the pipeline (auth header, CSRF, retries and
// refresh-and-replay) and decodes a successful body into out, which may be
// nil. A non-2xx answer is returned as *autherr.Error together with the
// response.
func (c *Client) Do(ctx context.Context, req *Request, out any) (*Response, error) {
	resp, err := c.pipe.do(ctx, req)
	if err != nil {
		return resp, err
	}
	if err := decode(resp, out); err != nil {
		return resp, err
	}
	return resp, nil
}

// UseRequestInterceptor appends ic to the request chain.
func (c *Client) UseRequestInterceptor(ic RequestInterceptor) {
	c.pipe.useRequest(ic)
}

// UseResponseInterceptor appends ic to the response chain.
func (c *Client) UseResponseInterceptor(ic ResponseInterceptor) {
	c.pipe.useResponse(ic)
}

// FetchCSRFToken asks the backend for a CSRF token and uses it from now on.
func (c *Client) FetchCSRFToken(ctx context.Context) (string, error) {
	resp, err := c.pipe.do(ctx, &Request{
		Method:      http.MethodGet,
		Path:        c.cfg.Endpoints.CSRF,
		SkipRefresh: true,
	})
	if err != nil {
		return "", err
	}

	var out csrfResponse
	if err := decode(resp, &out); err != nil {
		return "", err
	}

	token := out.Token
	if token == "" {
		token = out.CSRFToken
	}
	if token != "" {
		c.pipe.setCSRF(token)
	}
	return c.pipe.csrf(), nil
}

// SetCSRFToken sets the token sent on mutating requests.
func (c *Client) SetCSRFToken(token string) { c.pipe.setCSRF(token) }

// CSRFToken returns the token currently sent on mutating requests.
func (c *Client) CSRFToken() string { return c.pipe.csrf() }

// On subscribes h to tag and returns its unsubscribe func.
func (c *Client) On(tag events.Tag, h events.Handler) func() {
	return c.bus.Subscribe(tag, h)
}

// Once subscribes h to the next tag event only.
func (c *Client) Once(tag events.Tag, h events.Handler) func() {
	return c.bus.SubscribeOnce(tag, h)
}

// Off removes every handler of the given tags, or of all tags when none are
// given.
func (c *Client) Off(tags ...events.Tag) {
	c.bus.UnsubscribeAll(tags...)
}

// OnAuthStateChange calls fn for every session transition. session is nil
// for SIGNED_OUT and SESSION_EXPIRED.
func (c *Client) OnAuthStateChange(fn func(tag events.Tag, session *Session)) func() {
	unsubs := make([]func(), 0, len(events.AuthStateTags))
	for _, tag := range events.AuthStateTags {
		unsubs = append(unsubs, c.bus.Subscribe(tag, func(ev events.Event) error {
			fn(ev.Tag, ev.Session)
			return nil
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnError calls fn with every error event.
func (c *Client) OnError(fn func(error)) func() {
	return c.bus.Subscribe(events.Error, func(ev events.Event) error {
		fn(ev.Err)
		return nil
	})
}
