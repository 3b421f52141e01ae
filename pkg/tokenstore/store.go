package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
)

// DefaultPrefix namespaces the keys written by a Store.
const DefaultPrefix = "authclient_"

// Key suffixes written under the store prefix. KeyBundle holds the complete
// bundle and is the only key Read consults; the others mirror single fields
// for integrations that read one value (cookies seen by the backend, server
// adapters).
const (
	KeyBundle       = "bundle"
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresAt    = "expires_at"
	KeyUser         = "user"
)

var knownKeys = []string{KeyBundle, KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser}

// Store reads and writes token bundles over a Medium. It is the only
// component that mutates persisted credentials.
//
// The last successfully written bundle is mirrored in memory, so a session
// keeps working in-process while the medium is unreachable. Read returns that
// mirror together with the storage error in that case.
type Store struct {
	medium Medium
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	mirror *Bundle
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger used for storage audit lines.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store over medium. A nil medium gets a MemoryMedium.
func New(medium Medium, opts ...Option) *Store {
	if medium == nil {
		medium = NewMemoryMedium()
	}

	s := &Store{
		medium: medium,
		prefix: DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Medium returns the backing medium.
func (s *Store) Medium() Medium { return s.medium }

// Prefix returns the key namespace.
func (s *Store) Prefix() string { return s.prefix }

// Key returns the namespaced form of a key suffix.
func (s *Store) Key(suffix string) string { return s.prefix + suffix }

// Read returns the stored bundle, or nil when there is none. Corrupt or
// incomplete stored values count as absent. A KindStorage error is returned
// only when the medium itself fails.
func (s *Store) Read(ctx context.Context) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *Store) readLocked(ctx context.Context) (*Bundle, error) {
	raw, found, err := s.medium.GetItem(ctx, s.Key(KeyBundle))
	if err != nil && !errors.Is(err, ErrCorruptValue) {
		return s.mirror.Clone(), autherr.Storage(err, "failed to read token bundle")
	}
	if err != nil || !found {
		s.mirror = nil
		return nil, nil
	}

	var b Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil || !b.Complete() {
		s.logger.Debug("Ignoring incomplete stored token bundle",
			"prefix", s.prefix,
		)
		s.mirror = nil
		return nil, nil
	}

	s.mirror = b.Clone()
	return &b, nil
}

// Write persists b as a unit, replacing any previous bundle.
func (s *Store) Write(ctx context.Context, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, b)
}

// Update applies fn to the stored bundle and persists the result, holding the
// store lock throughout so a concurrent Write is never overwritten with stale
// tokens. fn returning false skips the write. Update returns the bundle as
// stored, or nil when there is no session.
func (s *Store) Update(ctx context.Context, fn func(b *Bundle) bool) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, readErr := s.readLocked(ctx)
	if b == nil {
		return nil, readErr
	}
	next := b.Clone()
	if !fn(next) {
		return b, readErr
	}
	if err := s.writeLocked(ctx, next); err != nil {
		return next.Clone(), err
	}
	return next.Clone(), readErr
}

func (s *Store) writeLocked(ctx context.Context, b *Bundle) error {
	if !b.Complete() {
		return autherr.New(autherr.KindValidation, "refusing to persist an incomplete token bundle")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return autherr.Storage(err, "failed to encode token bundle")
	}
	user, err := json.Marshal(b.User)
	if err != nil {
		return autherr.Storage(err, "failed to encode user")
	}

	s.mirror = b.Clone()

	if err := s.medium.SetItem(ctx, s.Key(KeyBundle), string(data)); err != nil {
		s.logger.Warn("SECURITY_AUDIT: token bundle storage failed",
			"event", "token_store_failed",
			"prefix", s.prefix,
			"error", err.Error(),
		)
		return autherr.Storage(err, "failed to write token bundle")
	}

	fields := []struct{ key, value string }{
		{KeyAccessToken, b.AccessToken},
		{KeyRefreshToken, b.RefreshToken},
		{KeyExpiresAt, b.ExpiresAt.UTC().Format(time.RFC3339Nano)},
		{KeyUser, string(user)},
	}
	for _, f := range fields {
		if err := s.medium.SetItem(ctx, s.Key(f.key), f.value); err != nil {
			return autherr.Storage(err, "failed to write "+f.key)
		}
	}

	s.logger.Info("SECURITY_AUDIT: token bundle stored",
		"event", "token_stored",
		"prefix", s.prefix,
		"user_id", b.User.ID,
		"expires_at", b.ExpiresAt.UTC().Format(time.RFC3339),
		"access_token_fp", cryptox.Fingerprint(b.AccessToken),
	)
	return nil
}

// Clear removes every key under the prefix, including keys left behind by
// earlier bundle layouts, when the medium can enumerate them.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mirror = nil

	keys := make(map[string]struct{}, len(knownKeys))
	for _, k := range knownKeys {
		keys[s.Key(k)] = struct{}{}
	}

	var firstErr error
	if lister, ok := s.medium.(Lister); ok {
		listed, err := lister.Keys(ctx, s.prefix)
		if err != nil {
			firstErr = err
		}
		for _, k := range listed {
			if strings.HasPrefix(k, s.prefix) {
				keys[k] = struct{}{}
			}
		}
	}

	for k := range keys {
		if err := s.medium.RemoveItem(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		s.logger.Warn("SECURITY_AUDIT: token bundle clear failed",
			"event", "token_clear_failed",
			"prefix", s.prefix,
			"error", firstErr.Error(),
		)
		return autherr.Storage(firstErr, "failed to clear token bundle")
	}

	s.logger.Info("SECURITY_AUDIT: token bundle cleared",
		"event", "token_cleared",
		"prefix", s.prefix,
		"keys_removed", len(keys),
	)
	return nil
}
