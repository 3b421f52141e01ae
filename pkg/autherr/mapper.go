package autherr

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// maxBodyMessage bounds the message taken from a non-JSON error body.
const maxBodyMessage = 200

// codeKinds maps normalized backend codes to kinds. Besides the canonical
// codes it accepts the RFC 6749 error codes and a few common aliases.
var codeKinds = map[string]Kind{
	"INVALID_CREDENTIALS": KindInvalidCredentials,
	"INVALID_GRANT":       KindInvalidCredentials,
	"INVALID_PASSWORD":    KindInvalidCredentials,
	"TOKEN_EXPIRED":       KindTokenExpired,
	"EXPIRED_TOKEN":       KindTokenExpired,
	"INVALID_TOKEN":       KindInvalidToken,
	"TOKEN_REVOKED":       KindInvalidToken,
	"MFA_REQUIRED":        KindMFARequired,
	"MFA_INVALID":         KindMFAInvalid,
	"INVALID_MFA_CODE":    KindMFAInvalid,
	"EMAIL_NOT_VERIFIED":  KindEmailNotVerified,
	"EMAIL_UNVERIFIED":    KindEmailNotVerified,
	"ACCOUNT_LOCKED":      KindAccountLocked,
	"ACCOUNT_DISABLED":    KindAccountDisabled,
	"NOT_FOUND":           KindNotFound,
	"USER_NOT_FOUND":      KindNotFound,
	"ALREADY_EXISTS":      KindAlreadyExists,
	"USER_EXISTS":         KindAlreadyExists,
	"EMAIL_EXISTS":        KindAlreadyExists,
	"VALIDATION_ERROR":    KindValidation,
	"INVALID_REQUEST":     KindValidation,
	"RATE_LIMITED":        KindRateLimited,
	"TOO_MANY_REQUESTS":   KindRateLimited,
	"NETWORK_ERROR":       KindNetwork,
	"TIMEOUT":             KindTimeout,
	"CONFIGURATION_ERROR": KindConfiguration,
	"STORAGE_ERROR":       KindStorage,
	"CSRF_ERROR":          KindCSRF,
	"CSRF_INVALID":        KindCSRF,
	"CSRF_MISSING":        KindCSRF,
	"PERMISSION_DENIED":   KindPermissionDenied,
	"ACCESS_DENIED":       KindPermissionDenied,
	"INSUFFICIENT_SCOPE":  KindPermissionDenied,
	"FORBIDDEN":           KindPermissionDenied,
}

// statusKinds is the fallback used when the payload carries no known code.
var statusKinds = map[int]Kind{
	http.StatusUnauthorized:        KindInvalidCredentials,
	http.StatusForbidden:           KindPermissionDenied,
	http.StatusNotFound:            KindNotFound,
	http.StatusConflict:            KindAlreadyExists,
	http.StatusUnprocessableEntity: KindValidation,
	http.StatusLocked:              KindAccountLocked,
	http.StatusTooManyRequests:     KindRateLimited,
}

// wireError is the decoded error object, whichever envelope it arrived in.
type wireError struct {
	Code        string
	Message     string
	MFAToken    string
	LockedUntil time.Time
	Field       string
	Fields      map[string][]string
	RetryAfter  time.Duration
}

// FromResponse maps a non-2xx backend response to an *Error.
//
// The payload's explicit code is trusted first. It may arrive as
// {"error":{"code":...}}, {"code":...} or the RFC 6749 {"error":"invalid_grant"}
// form. Without a recognised code the status table is used, and anything left
// becomes KindUnknown carrying the original status and message.
func FromResponse(status int, header http.Header, body []byte) *Error {
	w := decodeWireError(body)

	kind, ok := codeKinds[normalizeCode(w.Code)]
	if !ok {
		kind, ok = statusKinds[status]
		if !ok {
			kind = KindUnknown
		}
	}

	e := &Error{
		Kind:        kind,
		Code:        kind.Code(),
		Status:      status,
		Message:     w.Message,
		MFAToken:    w.MFAToken,
		LockedUntil: w.LockedUntil,
		Field:       w.Field,
		Fields:      w.Fields,
		RetryAfter:  w.RetryAfter,
	}

	if kind == KindUnknown && w.Code != "" {
		e.Code = w.Code
	}

	if e.Message == "" {
		if kind == KindUnknown {
			e.Message = "HTTP " + strconv.Itoa(status) + ": " + http.StatusText(status)
		} else {
			e.Message = kinds[kind].message
		}
	}

	if kind == KindRateLimited && e.RetryAfter == 0 && header != nil {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}

	return e
}

func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, "-", "_")
	code = strings.ReplaceAll(code, ".", "_")
	return strings.ToUpper(code)
}

// decodeWireError extracts the error object from any of the accepted
// envelopes. A body that is not JSON yields an empty wireError with the body
// text as message.
func decodeWireError(body []byte) wireError {
	var w wireError
	if len(body) == 0 {
		return w
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		w.Message = truncate(strings.TrimSpace(string(body)), maxBodyMessage)
		return w
	}

	obj := top
	if raw, ok := top["error"]; ok {
		var code string
		var nested map[string]json.RawMessage
		switch {
		case json.Unmarshal(raw, &code) == nil:
			// RFC 6749 envelope
			w.Code = code
			w.Message = rawString(top["error_description"])
		case json.Unmarshal(raw, &nested) == nil:
			obj = nested
		}
	}

	if w.Code == "" {
		w.Code = rawString(obj["code"])
	}
	if w.Message == "" {
		w.Message = firstString(obj, "message", "error_description", "detail")
	}

	applyDetails(&w, obj)
	if raw, ok := obj["details"]; ok {
		var details map[string]json.RawMessage
		if json.Unmarshal(raw, &details) == nil {
			applyDetails(&w, details)
		}
	}

	return w
}

func applyDetails(w *wireError, m map[string]json.RawMessage) {
	if v := firstString(m, "mfaToken", "mfa_token"); v != "" {
		w.MFAToken = v
	}
	if v := firstString(m, "field", "conflictField"); v != "" {
		w.Field = v
	}
	if raw, ok := firstRaw(m, "lockedUntil", "locked_until"); ok {
		if t := parseTimestamp(raw); !t.IsZero() {
			w.LockedUntil = t
		}
	}
	if raw, ok := firstRaw(m, "retryAfter", "retry_after"); ok {
		var secs float64
		if json.Unmarshal(raw, &secs) == nil && secs > 0 {
			w.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	if raw, ok := firstRaw(m, "errors", "fields", "validationErrors"); ok {
		if fields := parseFieldErrors(raw); len(fields) > 0 {
			w.Fields = fields
		}
	}
}

// parseFieldErrors accepts {"field": "msg"} and {"field": ["msg", ...]}.
func parseFieldErrors(raw json.RawMessage) map[string][]string {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}

	fields := make(map[string][]string, len(generic))
	for name, v := range generic {
		var one string
		if json.Unmarshal(v, &one) == nil {
			fields[name] = []string{one}
			continue
		}
		var many []string
		if json.Unmarshal(v, &many) == nil {
			fields[name] = many
		}
	}
	return fields
}

// parseTimestamp accepts RFC 3339 strings and unix epoch numbers (seconds or milliseconds).
func parseTimestamp(raw json.RawMessage) time.Time {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		return time.Time{}
	}

	var n float64
	if json.Unmarshal(raw, &n) == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(int64(n))
		}
		return time.Unix(int64(n), 0)
	}
	return time.Time{}
}

// parseRetryAfter handles both forms of the Retry-After header.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func firstString(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if s := rawString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstRaw(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if raw, ok := m[k]; ok && len(raw) > 0 && string(raw) != "null" {
			return raw, true
		}
	}
	return nil, false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
