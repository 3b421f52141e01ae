package authclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/events"
)

// Login signs in with a password. When the account has a second factor the
// result has StatusMFARequired and carries the token VerifyMFA needs.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Username = strings.TrimSpace(req.Username)

	if req.Email == "" && req.Username == "" {
		return nil, validationError("email", "email or username is required")
	}
	if req.Password == "" {
		return nil, validationError("password", "password is required")
	}

	return c.signIn(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.Login,
		Body:   req,
	})
}

// Register creates an account. Backends that require email verification
// first answer with StatusVerificationRequired and no session.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	req.Email = strings.TrimSpace(req.Email)

	if req.Email == "" {
		return nil, validationError("email", "email is required")
	}
	if req.Password == "" {
		return nil, validationError("password", "password is required")
	}

	return c.signIn(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.Register,
		Body:   req,
	})
}

// VerifyMFA completes a sign-in that answered StatusMFARequired.
func (c *Client) VerifyMFA(ctx context.Context, mfaToken, code string) (*AuthResult, error) {
	if mfaToken == "" {
		return nil, validationError("mfaToken", "mfa token is required")
	}
	if code = strings.TrimSpace(code); code == "" {
		return nil, validationError("code", "verification code is required")
	}

	return c.signIn(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.MFAVerify,
		Body:   map[string]string{"mfaToken": mfaToken, "code": code},
	})
}

// SendMagicLink asks the backend to email a passwordless sign-in link.
func (c *Client) SendMagicLink(ctx context.Context, email, redirectURL string) error {
	if email = strings.TrimSpace(email); email == "" {
		return validationError("email", "email is required")
	}

	body := map[string]string{"email": email}
	if redirectURL != "" {
		body["redirectUrl"] = redirectURL
	}

	_, err := c.pipe.do(ctx, &Request{
		Method:   http.MethodPost,
		Path:     c.cfg.Endpoints.MagicLinkSend,
		Body:     body,
		SkipAuth: true,
	})
	return err
}

// VerifyMagicLink signs in with the token from a magic link.
func (c *Client) VerifyMagicLink(ctx context.Context, token string) (*AuthResult, error) {
	if token == "" {
		return nil, validationError("token", "token is required")
	}

	return c.signIn(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.MagicLinkVerify,
		Body:   map[string]string{"token": token},
	})
}

// Logout revokes the session on the backend and clears it locally. The local
// session is cleared even when the backend cannot be reached; only a storage
// failure is returned.
func (c *Client) Logout(ctx context.Context) error {
	b, err := c.store.Read(ctx)
	if err != nil {
		c.storageFailed("read", err)
	}

	if b != nil {
		_, err := c.pipe.do(ctx, &Request{
			Method:      http.MethodPost,
			Path:        c.cfg.Endpoints.Logout,
			Body:        map[string]string{"refreshToken": b.RefreshToken},
			SkipRefresh: true,
			NoRetry:     true,
		})
		if err != nil {
			c.logger.Warn("Backend logout failed, clearing local session anyway",
				"user_id", b.User.ID,
				"error", err.Error(),
			)
		}
	}

	c.logger.Info("Signed out")
	return c.endSession(ctx)
}

// LogoutAll revokes every session of the user, then clears the local one.
// The backend's error is returned, but the local session is cleared either way.
func (c *Client) LogoutAll(ctx context.Context) error {
	_, err := c.pipe.do(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.LogoutAll,
	})

	if clearErr := c.endSession(ctx); clearErr != nil && err == nil {
		err = clearErr
	}
	return err
}

// signIn sends an unauthenticated sign-in request and establishes the
// session it yields. An MFA_REQUIRED error answer is reported as a result,
// not an error.
func (c *Client) signIn(ctx context.Context, req *Request) (*AuthResult, error) {
	req.SkipAuth = true
	req.SkipRefresh = true

	resp, err := c.pipe.do(ctx, req)
	if err != nil {
		if e, ok := autherr.As(err); ok && e.Kind == autherr.KindMFARequired {
			c.publish(events.Event{Tag: events.MFARequired, MFAToken: e.MFAToken})
			return &AuthResult{Status: StatusMFARequired, MFAToken: e.MFAToken}, nil
		}
		return nil, err
	}

	var payload authResponse
	if err := decode(resp, &payload); err != nil {
		return nil, err
	}
	return c.establish(ctx, &payload)
}

func validationError(field, msg string) *autherr.Error {
	e := autherr.New(autherr.KindValidation, msg)
	e.Status = 0
	e.Fields = map[string][]string{field: {msg}}
	return e
}
