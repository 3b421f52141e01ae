package authclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/pquerna/otp"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
)

// SetupMFA starts TOTP enrollment. MFA is not active until VerifyMFASetup
// succeeds with a code from the authenticator.
func (c *Client) SetupMFA(ctx context.Context) (*MFASetup, error) {
	resp, err := c.pipe.do(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.MFASetup,
	})
	if err != nil {
		return nil, err
	}

	var setup MFASetup
	if err := decode(resp, &setup); err != nil {
		return nil, err
	}
	if setup.OTPAuthURL == "" && setup.Secret == "" {
		return nil, autherr.New(autherr.KindUnknown, "MFA setup response carried no secret")
	}
	return &setup, nil
}

// VerifyMFASetup activates MFA and returns the backup codes, if the backend
// issues them.
func (c *Client) VerifyMFASetup(ctx context.Context, code string) ([]string, error) {
	if code = strings.TrimSpace(code); code == "" {
		return nil, validationError("code", "verification code is required")
	}

	resp, err := c.pipe.do(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.MFAVerifySetup,
		Body:   map[string]string{"code": code},
	})
	if err != nil {
		return nil, err
	}

	var out backupCodesResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

// DisableMFA turns MFA off. The backend requires a current code.
func (c *Client) DisableMFA(ctx context.Context, code string) error {
	if code = strings.TrimSpace(code); code == "" {
		return validationError("code", "verification code is required")
	}

	_, err := c.pipe.do(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.cfg.Endpoints.MFADisable,
		Body:   map[string]string{"code": code},
	})
	return err
}

// ParseTOTPSetup parses an otpauth:// enrollment URL.
func ParseTOTPSetup(otpauthURL string) (*otp.Key, error) {
	if otpauthURL == "" {
		return nil, validationError("otpauthUrl", "otpauth URL is required")
	}
	key, err := otp.NewKeyFromURL(otpauthURL)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, err, "invalid otpauth URL")
	}
	if key.Type() != "totp" {
		return nil, autherr.New(autherr.KindValidation, "otpauth URL is not a TOTP key")
	}
	return key, nil
}
