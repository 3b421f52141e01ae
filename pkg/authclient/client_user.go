package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/events"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

// GetUser fetches the current user and refreshes the stored snapshot.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	resp, err := c.pipe.do(ctx, &Request{
		Method: http.MethodGet,
		Path:   c.cfg.Endpoints.User,
	})
	if err != nil {
		return nil, err
	}

	user, err := decodeUser(resp)
	if err != nil {
		return nil, err
	}

	c.updateStoredUser(ctx, user)
	return user, nil
}

// UpdateProfile changes the fields set in update and returns the new user.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	resp, err := c.pipe.do(ctx, &Request{
		Method: http.MethodPatch,
		Path:   c.cfg.Endpoints.User,
		Body:   update,
	})
	if err != nil {
		return nil, err
	}

	user, err := decodeUser(resp)
	if err != nil {
		return nil, err
	}

	c.updateStoredUser(ctx, user)
	return user, nil
}

// updateStoredUser swaps the snapshot inside the stored bundle and announces
// USER_UPDATED. Only the user changes: tokens rotated by a refresh that
// landed meanwhile are kept.
func (c *Client) updateStoredUser(ctx context.Context, user *User) {
	b, err := c.store.Update(ctx, func(b *tokenstore.Bundle) bool {
		u := *user
		b.User = &u
		return true
	})
	if err != nil {
		c.storageFailed("update", err)
	}
	if b == nil {
		return
	}

	c.publish(events.Event{Tag: events.UserUpdated, Session: c.sessionOf(b)})
}

// decodeUser accepts the user either bare or wrapped as {"user": {...}}.
func decodeUser(resp *Response) (*User, error) {
	var wrapped struct {
		User *User `json:"user"`
	}
	if err := decode(resp, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.User != nil && wrapped.User.ID != "" {
		return wrapped.User, nil
	}

	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil || user.ID == "" {
		return nil, autherr.New(autherr.KindUnknown, "response carried no user")
	}
	return &user, nil
}

// ChangePassword changes the password of the signed-in user.
func (c *Client) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	if currentPassword == "" {
		return validationError("currentPassword", "current password is required")
	}
	if newPassword == "" {
		return validationError("newPassword", "new password is required")
	}

	_, err := c.pipe.do(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.ChangePassword,
		Body: map[string]string{
			"currentPassword": currentPassword,
			"newPassword":     newPassword,
		},
	})
	return err
}

// RequestPasswordReset asks the backend to email a reset link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	if email = strings.TrimSpace(email); email == "" {
		return validationError("email", "email is required")
	}

	_, err := c.pipe.do(ctx, &Request{
		Method:   http.MethodPost,
		Path:     c.cfg.Endpoints.ForgotPassword,
		Body:     map[string]string{"email": email},
		SkipAuth: true,
	})
	return err
}

// ResetPassword sets a new password using the token from a reset link.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return validationError("token", "token is required")
	}
	if newPassword == "" {
		return validationError("newPassword", "new password is required")
	}

	_, err := c.pipe.do(ctx, &Request{
		Method:   http.MethodPost,
		Path:     c.cfg.Endpoints.ResetPassword,
		Body:     map[string]string{"token": token, "newPassword": newPassword},
		SkipAuth: true,
	})
	return err
}

// CheckEmailAvailability reports whether email is free to register.
func (c *Client) CheckEmailAvailability(ctx context.Context, email string) (bool, error) {
	return c.checkAvailability(ctx, c.cfg.Endpoints.CheckEmail, "email", strings.TrimSpace(email))
}

// CheckUsernameAvailability reports whether username is free to register.
func (c *Client) CheckUsernameAvailability(ctx context.Context, username string) (bool, error) {
	return c.checkAvailability(ctx, c.cfg.Endpoints.CheckUsername, "username", strings.TrimSpace(username))
}

func (c *Client) checkAvailability(ctx context.Context, path, field, value string) (bool, error) {
	if value == "" {
		return false, validationError(field, field+" is required")
	}

	resp, err := c.pipe.do(ctx, &Request{
		Method:   http.MethodGet,
		Path:     path,
		Query:    url.Values{field: {value}},
		SkipAuth: true,
	})
	if err != nil {
		return false, err
	}

	var out availabilityResponse
	if err := decode(resp, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

// VerifyEmail confirms an email address with the token from the
// verification mail.
func (c *Client) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return validationError("token", "token is required")
	}

	_, err := c.pipe.do(ctx, &Request{
		Method:   http.MethodPost,
		Path:     c.cfg.Endpoints.VerifyEmail,
		Body:     map[string]string{"token": token},
		SkipAuth: true,
	})
	return err
}

// ResendVerification sends the verification mail again.
func (c *Client) ResendVerification(ctx context.Context, email string) error {
	if email = strings.TrimSpace(email); email == "" {
		return validationError("email", "email is required")
	}

	_, err := c.pipe.do(ctx, &Request{
		Method:   http.MethodPost,
		Path:     c.cfg.Endpoints.ResendVerification,
		Body:     map[string]string{"email": email},
		SkipAuth: true,
	})
	return err
}
