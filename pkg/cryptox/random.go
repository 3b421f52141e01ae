package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Token size constants (in bytes before encoding).
const (
	TokenSize128 = 16
	TokenSize256 = 32
)

// RandomToken returns size random bytes encoded as base64url without padding.
func RandomToken(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("token size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustRandomToken is like RandomToken but panics on error.
func MustRandomToken(size int) string {
	token, err := RandomToken(size)
	if err != nil {
		panic(fmt.Sprintf("cryptox: %v", err))
	}
	return token
}

// Fingerprint returns a short, stable, non-reversible identifier for a secret
// so it can be correlated in logs without being disclosed. Empty input yields "".
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}
