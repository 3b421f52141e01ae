package jwtx_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/pkg/jwtx"
)

var testSecret = []byte(strings.Repeat("s", 32))

func TestHS256_SignVerify(t *testing.T) {
	t.Parallel()

	signer, err := jwtx.NewHS256("k1", testSecret)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	claims := jwtx.NewAccessClaims("user-1", "sess-1", []string{"pwd"}, time.Minute, "authtest", now)
	claims.Email = "alice@example.com"

	tok, err := signer.Sign(claims)
	require.NoError(t, err)

	got, err := signer.Verify(tok, now)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Subject)
	require.Equal(t, "sess-1", got.SID)
	require.Equal(t, "alice@example.com", got.Email)

	t.Run("expired", func(t *testing.T) {
		_, err := signer.Verify(tok, now.Add(2*time.Minute))
		require.ErrorIs(t, err, jwtx.ErrExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := jwtx.NewHS256("k2", []byte(strings.Repeat("x", 32)))
		require.NoError(t, err)
		_, err = other.Verify(tok, now)
		require.ErrorIs(t, err, jwtx.ErrInvalidSig)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := signer.Verify("not.a.jwt", now)
		require.ErrorIs(t, err, jwtx.ErrMalformed)
	})
}

func TestNewHS256_ShortSecret(t *testing.T) {
	t.Parallel()

	_, err := jwtx.NewHS256("k", []byte("short"))
	require.Error(t, err)
}

func TestDecode_Unverified(t *testing.T) {
	t.Parallel()

	exp := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("any key at all, never checked"))
	require.NoError(t, err)

	claims, err := jwtx.Decode(signed)
	require.NoError(t, err)
	require.Equal(t, "user-9", claims.Subject)

	got, err := jwtx.ExpiresAt(signed)
	require.NoError(t, err)
	require.True(t, exp.Equal(got))
}

func TestExpiresAt_Missing(t *testing.T) {
	t.Parallel()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"})
	signed, err := tok.SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = jwtx.ExpiresAt(signed)
	require.ErrorIs(t, err, jwtx.ErrNoExpiry)

	_, err = jwtx.ExpiresAt("opaque-token")
	require.ErrorIs(t, err, jwtx.ErrMalformed)
}

func TestValidateExpiryWithLeeway(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	c := &jwtx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	}

	require.ErrorIs(t, c.ValidateExpiryWithLeeway(now, 0), jwtx.ErrExpired)
	require.NoError(t, c.ValidateExpiryWithLeeway(now, 10*time.Second))

	c.NotBefore = jwt.NewNumericDate(now.Add(time.Minute))
	c.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))
	require.ErrorIs(t, c.ValidateExpiryWithLeeway(now, 0), jwtx.ErrNotYetValid)
}
