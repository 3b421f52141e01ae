package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ============================================================================
// Kinds
// ============================================================================

// Kind is the closed set of failure kinds the client can report.
type Kind int

const (
	// KindUnknown is an error the backend reported that matched no other kind.
	// It carries the original status and message.
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindTokenExpired
	KindInvalidToken
	KindMFARequired
	KindMFAInvalid
	KindEmailNotVerified
	KindAccountLocked
	KindAccountDisabled
	KindNotFound
	KindAlreadyExists
	KindValidation
	KindRateLimited
	KindNetwork
	KindTimeout
	KindConfiguration
	KindStorage
	KindCSRF
	KindPermissionDenied
)

// kindInfo holds the stable code, HTTP status affinity and fallback message of a kind.
type kindInfo struct {
	code    string
	status  int
	message string
}

var kinds = map[Kind]kindInfo{
	KindUnknown:            {"UNKNOWN_ERROR", 0, "an unexpected error occurred"},
	KindInvalidCredentials: {"INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password"},
	KindTokenExpired:       {"TOKEN_EXPIRED", http.StatusUnauthorized, "the session has expired"},
	KindInvalidToken:       {"INVALID_TOKEN", http.StatusUnauthorized, "the token is missing, malformed or revoked"},
	KindMFARequired:        {"MFA_REQUIRED", http.StatusForbidden, "multi-factor authentication is required"},
	KindMFAInvalid:         {"MFA_INVALID", http.StatusUnauthorized, "the verification code is invalid"},
	KindEmailNotVerified:   {"EMAIL_NOT_VERIFIED", http.StatusForbidden, "the email address has not been verified"},
	KindAccountLocked:      {"ACCOUNT_LOCKED", http.StatusLocked, "the account is temporarily locked"},
	KindAccountDisabled:    {"ACCOUNT_DISABLED", http.StatusForbidden, "the account has been disabled"},
	KindNotFound:           {"NOT_FOUND", http.StatusNotFound, "the requested resource was not found"},
	KindAlreadyExists:      {"ALREADY_EXISTS", http.StatusConflict, "the resource already exists"},
	KindValidation:         {"VALIDATION_ERROR", http.StatusUnprocessableEntity, "the request failed validation"},
	KindRateLimited:        {"RATE_LIMITED", http.StatusTooManyRequests, "too many requests"},
	KindNetwork:            {"NETWORK_ERROR", 0, "the server could not be reached"},
	KindTimeout:            {"TIMEOUT", 0, "the request timed out"},
	KindConfiguration:      {"CONFIGURATION_ERROR", 0, "the client is misconfigured"},
	KindStorage:            {"STORAGE_ERROR", 0, "the token storage is unavailable"},
	KindCSRF:               {"CSRF_ERROR", http.StatusForbidden, "the CSRF token is missing or invalid"},
	KindPermissionDenied:   {"PERMISSION_DENIED", http.StatusForbidden, "permission denied"},
}

// Code returns the stable wire code of the kind (e.g. "INVALID_CREDENTIALS").
func (k Kind) Code() string {
	if info, ok := kinds[k]; ok {
		return info.code
	}
	return kinds[KindUnknown].code
}

// Status returns the HTTP status the kind is usually reported with, or 0 for
// client-side kinds that never come from the backend.
func (k Kind) Status() int { return kinds[k].status }

// String implements fmt.Stringer.
func (k Kind) String() string { return k.Code() }

// ============================================================================
// Error
// ============================================================================

// Error is the single error type returned by the client. Kind-specific detail
// lives in the dedicated fields; only the fields relevant to Kind are set.
type Error struct {
	Kind    Kind
	Code    string // Code reported by the backend, or Kind.Code()
	Status  int    // HTTP status, 0 when the failure happened client-side
	Message string

	// MFAToken is the continuation token for KindMFARequired.
	MFAToken string
	// LockedUntil is set for KindAccountLocked when the backend reports it.
	LockedUntil time.Time
	// Field names the conflicting attribute for KindAlreadyExists.
	Field string
	// Fields maps field names to messages for KindValidation.
	Fields map[string][]string
	// RetryAfter is set for KindRateLimited when the backend reports it.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so the package
// sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the failure happened in transport and may succeed
// if the request is issued again.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// Sentinels for errors.Is. They compare by kind only.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrInvalidToken       = &Error{Kind: KindInvalidToken}
	ErrMFARequired        = &Error{Kind: KindMFARequired}
	ErrMFAInvalid         = &Error{Kind: KindMFAInvalid}
	ErrEmailNotVerified   = &Error{Kind: KindEmailNotVerified}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrAccountDisabled    = &Error{Kind: KindAccountDisabled}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrCSRF               = &Error{Kind: KindCSRF}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
)

// ============================================================================
// Constructors
// ============================================================================

// New creates an error of the given kind. An empty message uses the kind's default.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = kinds[kind].message
	}
	return &Error{
		Kind:    kind,
		Code:    kind.Code(),
		Status:  kind.Status(),
		Message: message,
	}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	e := New(kind, message)
	e.Err = cause
	return e
}

// MFARequired creates a KindMFARequired error carrying the continuation token.
func MFARequired(mfaToken string) *Error {
	e := New(KindMFARequired, "")
	e.MFAToken = mfaToken
	return e
}

// Storage wraps a failure of the backing storage medium.
func Storage(cause error, message string) *Error {
	return Wrap(KindStorage, cause, message)
}

// Configuration reports an invalid client configuration.
func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, fmt.Sprintf(format, args...))
}

// FromTransport converts an error returned by the HTTP transport into a
// KindTimeout or KindNetwork error. Errors that already are *Error pass through.
func FromTransport(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTimeout, err, "")
	}

	return Wrap(KindNetwork, err, "")
}

// ============================================================================
// Inspection helpers
// ============================================================================

// As returns the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable()
}
