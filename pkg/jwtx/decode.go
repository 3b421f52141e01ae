package jwtx

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Decode parses the claims of token WITHOUT verifying its signature.
//
// The client never trusts these values for authorization; they only inform
// local bookkeeping (when to refresh, who is signed in) when the backend
// leaves a field out of its response.
func Decode(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &claims, nil
}

// ExpiresAt returns the exp claim of an unverified token.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := Decode(token)
	if err != nil {
		return time.Time{}, err
	}
	return claims.Expiry()
}
