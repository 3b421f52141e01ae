package authclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

// StorageType selects the medium session tokens are persisted to.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageFile   StorageType = "file"
	StorageCookie StorageType = "cookie"
	StorageRedis  StorageType = "redis"
	StorageSQLite StorageType = "sqlite"
	StorageCustom StorageType = "custom"
)

// Config configures a Client. Start from DefaultConfig, LoadConfigFromEnv or
// LoadConfigFile and override what you need.
type Config struct {
	APIURL string `yaml:"api_url"` // Required: base URL of the identity API

	StorageType      StorageType `yaml:"storage_type"`       // default: memory
	StorageKeyPrefix string      `yaml:"storage_key_prefix"` // default: authclient_
	StoragePath      string      `yaml:"storage_path"`       // file dir or sqlite DB path
	RedisURL         string      `yaml:"redis_url"`          // redis medium only
	EncryptionKey    string      `yaml:"encryption_key"`     // optional: seal stored values
	SyncStorage      bool        `yaml:"sync_storage"`       // watch the medium for other writers
	PersistSession   bool        `yaml:"persist_session"`    // false forces the memory medium

	AutoRefreshToken bool          `yaml:"auto_refresh_token"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold"` // refresh this long before expiry

	Timeout      time.Duration `yaml:"timeout"` // per attempt
	Retry        bool          `yaml:"retry"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	RetryBackoff float64       `yaml:"retry_backoff"`

	CSRFProtection bool              `yaml:"csrf_protection"`
	Headers        map[string]string `yaml:"headers"`
	Endpoints      Endpoints         `yaml:"endpoints"`

	RateLimit     httpx.RateLimitConfig `yaml:"rate_limit"` // optional outbound limit
	Tracing       bool                  `yaml:"tracing"`    // wrap the transport with otelhttp
	OAuthClientID string                `yaml:"oauth_client_id"`

	// Runtime collaborators, not loadable from files.
	Storage    tokenstore.Medium     `yaml:"-"` // used when StorageType is custom
	HTTPClient *http.Client          `yaml:"-"`
	Logger     *slog.Logger          `yaml:"-"`
	Clock      clockwork.Clock       `yaml:"-"`
	Registerer prometheus.Registerer `yaml:"-"`
	OnRetry    RetryFunc             `yaml:"-"`
}

// Endpoints are the identity API paths, relative to APIURL. {provider} and
// {id} are substituted where they appear.
type Endpoints struct {
	Login              string `yaml:"login"`
	Register           string `yaml:"register"`
	Logout             string `yaml:"logout"`
	LogoutAll          string `yaml:"logout_all"`
	Refresh            string `yaml:"refresh"`
	User               string `yaml:"user"`
	Sessions           string `yaml:"sessions"`
	Session            string `yaml:"session"`
	ChangePassword     string `yaml:"change_password"`
	ForgotPassword     string `yaml:"forgot_password"`
	ResetPassword      string `yaml:"reset_password"`
	MagicLinkSend      string `yaml:"magic_link_send"`
	MagicLinkVerify    string `yaml:"magic_link_verify"`
	OAuthAuthorize     string `yaml:"oauth_authorize"`
	OAuthCallback      string `yaml:"oauth_callback"`
	MFASetup           string `yaml:"mfa_setup"`
	MFAVerifySetup     string `yaml:"mfa_verify_setup"`
	MFAVerify          string `yaml:"mfa_verify"`
	MFADisable         string `yaml:"mfa_disable"`
	CheckEmail         string `yaml:"check_email"`
	CheckUsername      string `yaml:"check_username"`
	VerifyEmail        string `yaml:"verify_email"`
	ResendVerification string `yaml:"resend_verification"`
	CSRF               string `yaml:"csrf"`
}

// DefaultEndpoints returns the standard /auth/... layout.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:              "/auth/login",
		Register:           "/auth/register",
		Logout:             "/auth/logout",
		LogoutAll:          "/auth/logout-all",
		Refresh:            "/auth/refresh",
		User:               "/auth/me",
		Sessions:           "/auth/sessions",
		Session:            "/auth/sessions/{id}",
		ChangePassword:     "/auth/password/change",
		ForgotPassword:     "/auth/password/forgot",
		ResetPassword:      "/auth/password/reset",
		MagicLinkSend:      "/auth/magic-link",
		MagicLinkVerify:    "/auth/magic-link/verify",
		OAuthAuthorize:     "/auth/oauth/{provider}/authorize",
		OAuthCallback:      "/auth/oauth/{provider}/callback",
		MFASetup:           "/auth/mfa/setup",
		MFAVerifySetup:     "/auth/mfa/setup/verify",
		MFAVerify:          "/auth/mfa/verify",
		MFADisable:         "/auth/mfa/disable",
		CheckEmail:         "/auth/check-email",
		CheckUsername:      "/auth/check-username",
		VerifyEmail:        "/auth/verify-email",
		ResendVerification: "/auth/verify-email/resend",
		CSRF:               "/auth/csrf",
	}
}

// withDefaults fills every empty path from DefaultEndpoints.
func (e Endpoints) withDefaults() Endpoints {
	d := DefaultEndpoints()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&e.Login, d.Login)
	fill(&e.Register, d.Register)
	fill(&e.Logout, d.Logout)
	fill(&e.LogoutAll, d.LogoutAll)
	fill(&e.Refresh, d.Refresh)
	fill(&e.User, d.User)
	fill(&e.Sessions, d.Sessions)
	fill(&e.Session, d.Session)
	fill(&e.ChangePassword, d.ChangePassword)
	fill(&e.ForgotPassword, d.ForgotPassword)
	fill(&e.ResetPassword, d.ResetPassword)
	fill(&e.MagicLinkSend, d.MagicLinkSend)
	fill(&e.MagicLinkVerify, d.MagicLinkVerify)
	fill(&e.OAuthAuthorize, d.OAuthAuthorize)
	fill(&e.OAuthCallback, d.OAuthCallback)
	fill(&e.MFASetup, d.MFASetup)
	fill(&e.MFAVerifySetup, d.MFAVerifySetup)
	fill(&e.MFAVerify, d.MFAVerify)
	fill(&e.MFADisable, d.MFADisable)
	fill(&e.CheckEmail, d.CheckEmail)
	fill(&e.CheckUsername, d.CheckUsername)
	fill(&e.VerifyEmail, d.VerifyEmail)
	fill(&e.ResendVerification, d.ResendVerification)
	fill(&e.CSRF, d.CSRF)
	return e
}

// DefaultConfig returns the documented defaults. APIURL is left empty.
func DefaultConfig() Config {
	return Config{
		StorageType:      StorageMemory,
		StorageKeyPrefix: tokenstore.DefaultPrefix,
		PersistSession:   true,
		AutoRefreshToken: true,
		RefreshThreshold: 60 * time.Second,
		Timeout:          30 * time.Second,
		Retry:            true,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		RetryBackoff:     2,
		Endpoints:        DefaultEndpoints(),
	}
}

// LoadConfigFromEnv starts from DefaultConfig and applies AUTH_* variables.
//
// AUTH_REFRESH_THRESHOLD accepts a duration ("90s") or integer seconds;
// AUTH_TIMEOUT and AUTH_RETRY_DELAY accept a duration or integer milliseconds.
// The outbound rate limit is read from RATELIMIT_CLIENT_*.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.APIURL = os.Getenv("AUTH_API_URL")
	cfg.StorageType = StorageType(getEnvOrDefault("AUTH_STORAGE_TYPE", string(cfg.StorageType)))
	cfg.StorageKeyPrefix = getEnvOrDefault("AUTH_STORAGE_KEY_PREFIX", cfg.StorageKeyPrefix)
	cfg.StoragePath = os.Getenv("AUTH_STORAGE_PATH")
	cfg.RedisURL = os.Getenv("AUTH_REDIS_URL")
	cfg.EncryptionKey = os.Getenv("AUTH_ENCRYPTION_KEY")
	cfg.SyncStorage = getEnvBoolOrDefault("AUTH_SYNC_STORAGE", cfg.SyncStorage)
	cfg.PersistSession = getEnvBoolOrDefault("AUTH_PERSIST_SESSION", cfg.PersistSession)
	cfg.AutoRefreshToken = getEnvBoolOrDefault("AUTH_AUTO_REFRESH", cfg.AutoRefreshToken)
	cfg.RefreshThreshold = getEnvDurationOrDefault("AUTH_REFRESH_THRESHOLD", cfg.RefreshThreshold, time.Second)
	cfg.Timeout = getEnvDurationOrDefault("AUTH_TIMEOUT", cfg.Timeout, time.Millisecond)
	cfg.Retry = getEnvBoolOrDefault("AUTH_RETRY", cfg.Retry)
	cfg.MaxRetries = getEnvIntOrDefault("AUTH_MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryDelay = getEnvDurationOrDefault("AUTH_RETRY_DELAY", cfg.RetryDelay, time.Millisecond)
	cfg.CSRFProtection = getEnvBoolOrDefault("AUTH_CSRF_PROTECTION", cfg.CSRFProtection)
	cfg.Tracing = getEnvBoolOrDefault("AUTH_TRACING", cfg.Tracing)
	cfg.OAuthClientID = os.Getenv("AUTH_OAUTH_CLIENT_ID")
	cfg.RateLimit = httpx.ParseRateLimitFromEnv("CLIENT", cfg.RateLimit)

	if v := os.Getenv("AUTH_RETRY_BACKOFF"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RetryBackoff = f
		}
	}

	return cfg
}

// LoadConfigFile reads a YAML config file over DefaultConfig. Keys missing
// from the file keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	// #nosec G304 -- the path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, autherr.Configuration("invalid config file %s: %v", path, err)
	}

	cfg.Endpoints = cfg.Endpoints.withDefaults()
	return cfg, nil
}

// Validate reports the first problem with the config as a KindConfiguration
// error.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return autherr.Configuration("apiUrl is required")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return autherr.Configuration("apiUrl must be an absolute http(s) URL, got %q", c.APIURL)
	}

	switch c.StorageType {
	case "", StorageMemory, StorageFile, StorageCookie, StorageSQLite:
	case StorageRedis:
		if c.PersistSession && c.RedisURL == "" {
			return autherr.Configuration("redisUrl is required for redis storage")
		}
	case StorageCustom:
		if c.Storage == nil {
			return autherr.Configuration("custom storage requires a Storage medium")
		}
	default:
		return autherr.Configuration("unknown storage type %q", c.StorageType)
	}

	if c.RefreshThreshold < 0 {
		return autherr.Configuration("refreshThreshold must not be negative")
	}
	if c.Timeout < 0 {
		return autherr.Configuration("timeout must not be negative")
	}
	if c.MaxRetries < 0 {
		return autherr.Configuration("maxRetries must not be negative")
	}
	if c.RetryDelay < 0 {
		return autherr.Configuration("retryDelay must not be negative")
	}
	if c.Retry && c.RetryBackoff < 1 {
		return autherr.Configuration("retryBackoff must be at least 1")
	}
	for name := range c.Headers {
		if strings.TrimSpace(name) == "" {
			return autherr.Configuration("header names must not be empty")
		}
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}

	return defaultValue
}

// getEnvDurationOrDefault parses a Go duration, or a bare integer in unit.
func getEnvDurationOrDefault(key string, defaultValue, unit time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * unit
	}

	return defaultValue
}
