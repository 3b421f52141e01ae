package authclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore/redisstore"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore/sqlitestore"
)

// openMedium builds the medium selected by cfg. Mediums that hold resources
// are returned as closers too. For the cookie medium the jar is attached to
// httpClient so the backend sees the stored values.
func openMedium(ctx context.Context, cfg *Config, httpClient *http.Client, logger *slog.Logger) (tokenstore.Medium, []io.Closer, error) {
	var (
		medium  tokenstore.Medium
		closers []io.Closer
	)

	storageType := cfg.StorageType
	if !cfg.PersistSession {
		storageType = StorageMemory
	}

	switch storageType {
	case "", StorageMemory:
		medium = tokenstore.NewMemoryMedium()

	case StorageFile:
		m, err := tokenstore.NewFileMedium(cfg.StoragePath, tokenstore.WithFileLogger(logger))
		if err != nil {
			return nil, nil, autherr.Storage(err, "failed to open file storage")
		}
		medium = m

	case StorageCookie:
		m, err := tokenstore.NewCookieMedium(cfg.APIURL, httpClient.Jar)
		if err != nil {
			return nil, nil, autherr.Storage(err, "failed to open cookie storage")
		}
		httpClient.Jar = m.Jar()
		medium = m

	case StorageRedis:
		m, err := redisstore.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, autherr.Storage(err, "failed to open redis storage")
		}
		medium = m
		closers = append(closers, m)

	case StorageSQLite:
		path := cfg.StoragePath
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, nil, autherr.Storage(err, "failed to locate config directory")
			}
			path = filepath.Join(dir, "authclient", "session.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, autherr.Storage(err, "failed to create storage directory")
		}
		m, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, autherr.Storage(err, "failed to open sqlite storage")
		}
		medium = m
		closers = append(closers, m)

	case StorageCustom:
		medium = cfg.Storage

	default:
		return nil, nil, autherr.Configuration("unknown storage type %q", storageType)
	}

	if cfg.EncryptionKey != "" {
		sealed, err := tokenstore.NewEncryptedMedium(medium, []byte(cfg.EncryptionKey))
		if err != nil {
			closeAll(closers)
			return nil, nil, autherr.Wrap(autherr.KindConfiguration, err, "invalid encryption key")
		}
		medium = sealed
	}

	return medium, closers, nil
}

func closeAll(closers []io.Closer) error {
	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
