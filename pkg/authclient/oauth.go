package authclient

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
)

// oauthFlowTTL bounds how long an authorize URL can be completed.
const oauthFlowTTL = 10 * time.Minute

type oauthFlow struct {
	provider    string
	verifier    string
	redirectURI string
	expiresAt   time.Time
}

// oauthFlows remembers started authorization flows by state.
type oauthFlows struct {
	clock clockwork.Clock

	mu    sync.Mutex
	flows map[string]oauthFlow
}

func newOAuthFlows(clock clockwork.Clock) *oauthFlows {
	return &oauthFlows{clock: clock, flows: make(map[string]oauthFlow)}
}

func (f *oauthFlows) put(state string, flow oauthFlow) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	for s, fl := range f.flows {
		if now.After(fl.expiresAt) {
			delete(f.flows, s)
		}
	}
	f.flows[state] = flow
}

// take removes and returns the flow for state. Each state is usable once.
func (f *oauthFlows) take(state string) (oauthFlow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flow, ok := f.flows[state]
	if !ok {
		return oauthFlow{}, false
	}
	delete(f.flows, state)
	if f.clock.Now().After(flow.expiresAt) {
		return oauthFlow{}, false
	}
	return flow, true
}

func expandProvider(path, provider string) string {
	return strings.ReplaceAll(path, "{provider}", provider)
}

// OAuthURL starts an authorization-code flow with PKCE against provider via
// the identity API. Send the user to the returned URL; the provider redirects
// back to redirectURI with code and state for HandleOAuthCallback.
func (c *Client) OAuthURL(provider, redirectURI string) (*OAuthStart, error) {
	if provider == "" {
		return nil, autherr.New(autherr.KindValidation, "provider is required")
	}

	authorize, err := c.pipe.resolve(expandProvider(c.cfg.Endpoints.OAuthAuthorize, provider))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, err, "invalid OAuth authorize path")
	}

	state, err := cryptox.RandomToken(cryptox.TokenSize256)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, err, "failed to generate OAuth state")
	}
	verifier := oauth2.GenerateVerifier()

	conf := &oauth2.Config{
		ClientID:    c.cfg.OAuthClientID,
		RedirectURL: redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: authorize.String()},
	}

	c.oauth.put(state, oauthFlow{
		provider:    provider,
		verifier:    verifier,
		redirectURI: redirectURI,
		expiresAt:   c.clock.Now().Add(oauthFlowTTL),
	})

	return &OAuthStart{
		URL:      conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:    state,
		Verifier: verifier,
	}, nil
}

// HandleOAuthCallback completes a flow started by OAuthURL. A state this
// client did not issue, or issued for another provider, is a KindCSRF error.
func (c *Client) HandleOAuthCallback(ctx context.Context, provider, code, state string) (*AuthResult, error) {
	flow, ok := c.oauth.take(state)
	if !ok || flow.provider != provider {
		c.logger.Warn("SECURITY_AUDIT: OAuth callback with unknown state",
			"event", "oauth_state_mismatch",
			"provider", provider,
		)
		return nil, autherr.New(autherr.KindCSRF, "OAuth state does not match a pending authorization")
	}
	if code == "" {
		return nil, autherr.New(autherr.KindValidation, "authorization code is required")
	}

	return c.signIn(ctx, &Request{
		Method: http.MethodPost,
		Path:   expandProvider(c.cfg.Endpoints.OAuthCallback, provider),
		Body: map[string]string{
			"code":         code,
			"state":        state,
			"codeVerifier": flow.verifier,
			"redirectUri":  flow.redirectURI,
		},
	})
}
