package tokenstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// MaxCookieValueSize is the largest encoded value a CookieMedium accepts.
// Browsers cap a cookie at about 4KB including its name and attributes.
const MaxCookieValueSize = 3800

// ErrQuotaExceeded is returned when a value does not fit the medium.
var ErrQuotaExceeded = errors.New("tokenstore: value exceeds medium quota")

// CookieMedium keeps items as cookies in an http.CookieJar scoped to the API
// URL. Sharing the jar with the HTTP client means the backend receives the
// values on every request, which is how server-side cookie integrations read
// the session.
type CookieMedium struct {
	mu     sync.Mutex
	jar    http.CookieJar
	target *url.URL
	names  map[string]struct{}
}

// NewCookieMedium creates a medium over jar for apiURL. A nil jar gets a fresh
// in-memory cookiejar.
func NewCookieMedium(apiURL string, jar http.CookieJar) (*CookieMedium, error) {
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid cookie URL %q", apiURL)
	}

	if jar == nil {
		jar, err = cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
	}

	return &CookieMedium{
		jar:    jar,
		target: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"},
		names:  make(map[string]struct{}),
	}, nil
}

// Jar returns the cookie jar, for use as http.Client.Jar.
func (m *CookieMedium) Jar() http.CookieJar { return m.jar }

func (m *CookieMedium) GetItem(_ context.Context, key string) (string, bool, error) {
	for _, c := range m.jar.Cookies(m.target) {
		if c.Name != key {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(c.Value)
		if err != nil {
			return "", false, ErrCorruptValue
		}
		return string(raw), true, nil
	}
	return "", false, nil
}

func (m *CookieMedium) SetItem(_ context.Context, key, value string) error {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(value))
	if len(encoded)+len(key) > MaxCookieValueSize {
		return ErrQuotaExceeded
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.jar.SetCookies(m.target, []*http.Cookie{{
		Name:     key,
		Value:    encoded,
		Path:     "/",
		Secure:   m.target.Scheme == "https",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}})
	m.names[key] = struct{}{}
	return nil
}

func (m *CookieMedium) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jar.SetCookies(m.target, []*http.Cookie{{
		Name:   key,
		Path:   "/",
		MaxAge: -1,
	}})
	delete(m.names, key)
	return nil
}

// Keys lists the cookie names visible for the API URL that start with prefix.
func (m *CookieMedium) Keys(_ context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, c := range m.jar.Cookies(m.target) {
		if strings.HasPrefix(c.Name, prefix) {
			seen[c.Name] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
