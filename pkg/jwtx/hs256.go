package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HS256 signs and verifies tokens with a shared secret. It backs the fake
// identity server in tests and demos; real backends use asymmetric keys and
// the client never verifies signatures itself.
type HS256 struct {
	kid    string
	secret []byte
}

// NewHS256 creates an HS256 signer. The secret must be at least 32 bytes.
func NewHS256(kid string, secret []byte) (*HS256, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwtx: HS256 secret must be at least 32 bytes")
	}
	return &HS256{kid: kid, secret: secret}, nil
}

func (s *HS256) Alg() string { return jwt.SigningMethodHS256.Alg() }
func (s *HS256) KID() string { return s.kid }

// Sign serializes claims into a compact JWS.
func (s *HS256) Sign(c Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.secret)
}

// Verify checks the signature and time claims of token at now.
func (s *HS256) Verify(token string, now time.Time) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	switch {
	case err == nil:
		return &claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrInvalidSig
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrAlgMismatch
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
