package authclient

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pquerna/otp"

	"github.com/aussiebroadwan/authclient/pkg/events"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

// User is the user snapshot stored with the session and returned by the API.
type User = tokenstore.User

// Session is the derived view of the signed-in session.
type Session = events.Session

// AuthStatus is the outcome of an authentication attempt that did not fail.
type AuthStatus int

const (
	// StatusAuthenticated means tokens were issued and the session is active.
	StatusAuthenticated AuthStatus = iota
	// StatusMFARequired means a second factor must be verified with VerifyMFA
	// using AuthResult.MFAToken.
	StatusMFARequired
	// StatusVerificationRequired means the account exists but the backend
	// issues no tokens until the email address is verified.
	StatusVerificationRequired
)

func (s AuthStatus) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusMFARequired:
		return "mfa_required"
	case StatusVerificationRequired:
		return "verification_required"
	default:
		return "unknown"
	}
}

// AuthResult is returned by the operations that can sign a user in.
type AuthResult struct {
	Status   AuthStatus
	User     *User
	Session  *Session
	MFAToken string
}

// SessionInfo describes one server-side session of the current user.
type SessionInfo struct {
	ID           string    `json:"id"`
	UserAgent    string    `json:"userAgent,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt,omitzero"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	IsCurrent    bool      `json:"isCurrent"`
}

// LoginRequest holds login credentials. Email or Username identifies the account.
type LoginRequest struct {
	Email      string `json:"email,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

// RegisterRequest holds the fields accepted when creating an account.
type RegisterRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Username string         `json:"username,omitempty"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProfileUpdate lists the profile fields to change; nil fields are left alone.
type ProfileUpdate struct {
	Name      *string        `json:"name,omitempty"`
	Username  *string        `json:"username,omitempty"`
	AvatarURL *string        `json:"avatarUrl,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MFASetup is the enrollment material returned by SetupMFA.
type MFASetup struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauthUrl"`
	QRCode      string   `json:"qrCode,omitempty"`
	BackupCodes []string `json:"backupCodes,omitempty"`
}

// Key parses OTPAuthURL so callers can render a QR code or show the issuer
// and account name.
func (m *MFASetup) Key() (*otp.Key, error) {
	return ParseTOTPSetup(m.OTPAuthURL)
}

// OAuthStart is what a caller needs to send the user to a provider and later
// complete the flow with HandleOAuthCallback.
type OAuthStart struct {
	URL      string
	State    string
	Verifier string
}

// authResponse is the token payload returned by the sign-in and refresh
// endpoints. It accepts both camelCase and OAuth2 snake_case field names.
type authResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ExpiresIn    time.Duration
	User         *User
	RequiresMFA  bool
	MFAToken     string
}

func (r *authResponse) hasTokens() bool {
	return r.AccessToken != "" && r.RefreshToken != ""
}

func (r *authResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	// Some backends wrap the payload: {"data": {...}}.
	if inner, ok := raw["data"]; ok && len(raw) == 1 {
		var nested map[string]json.RawMessage
		if json.Unmarshal(inner, &nested) == nil {
			raw = nested
		}
	}

	r.AccessToken = firstString(raw, "accessToken", "access_token")
	r.RefreshToken = firstString(raw, "refreshToken", "refresh_token")
	r.MFAToken = firstString(raw, "mfaToken", "mfa_token")

	if v, ok := first(raw, "requiresMFA", "requiresMfa", "mfaRequired", "mfa_required"); ok {
		_ = json.Unmarshal(v, &r.RequiresMFA)
	}
	if v, ok := first(raw, "expiresAt", "expires_at"); ok {
		r.ExpiresAt = parseTime(v)
	}
	if v, ok := first(raw, "expiresIn", "expires_in"); ok {
		var secs float64
		if json.Unmarshal(v, &secs) == nil && secs > 0 {
			r.ExpiresIn = time.Duration(secs * float64(time.Second))
		}
	}
	if v, ok := first(raw, "user"); ok {
		var u User
		if json.Unmarshal(v, &u) == nil && u.ID != "" {
			r.User = &u
		}
	}
	return nil
}

// parseTime accepts RFC 3339 strings and unix epoch numbers (seconds or
// milliseconds).
func parseTime(raw json.RawMessage) time.Time {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epoch(float64(n))
		}
		return time.Time{}
	}

	var n float64
	if json.Unmarshal(raw, &n) == nil && n > 0 {
		return epoch(n)
	}
	return time.Time{}
}

func epoch(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	return time.Unix(int64(n), 0)
}

func first(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func firstString(m map[string]json.RawMessage, keys ...string) string {
	v, ok := first(m, keys...)
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(v, &s)
	return s
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

type csrfResponse struct {
	Token     string `json:"token"`
	CSRFToken string `json:"csrfToken"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}
