package tokenstore

import (
	"time"
)

// User is the denormalized user snapshot carried inside a Bundle. It is only
// as fresh as the last login, refresh or explicit re-fetch.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Username      string         `json:"username,omitempty"`
	Name          string         `json:"name,omitempty"`
	AvatarURL     string         `json:"avatarUrl,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	MFAEnabled    bool           `json:"mfaEnabled"`
	Roles         []string       `json:"roles,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     *time.Time     `json:"createdAt,omitempty"`
}

// Bundle is the persisted unit of credentials. A bundle missing any of its
// four parts is treated as absent.
type Bundle struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         *User     `json:"user"`
}

// Complete reports whether all four parts of the bundle are present.
func (b *Bundle) Complete() bool {
	return b != nil &&
		b.AccessToken != "" &&
		b.RefreshToken != "" &&
		!b.ExpiresAt.IsZero() &&
		b.User != nil &&
		b.User.ID != ""
}

// Expired reports whether the access token has expired at now.
func (b *Bundle) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// TimeUntilExpiry returns how long the access token remains valid at now,
// floored at zero.
func (b *Bundle) TimeUntilExpiry(now time.Time) time.Duration {
	d := b.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy of the bundle so callers cannot mutate stored state.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := *b
	if b.User != nil {
		u := *b.User
		if b.User.Roles != nil {
			u.Roles = append([]string(nil), b.User.Roles...)
		}
		if b.User.Metadata != nil {
			u.Metadata = make(map[string]any, len(b.User.Metadata))
			for k, v := range b.User.Metadata {
				u.Metadata[k] = v
			}
		}
		c.User = &u
	}
	return &c
}
