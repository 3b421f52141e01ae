package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DefaultFileDir is the directory, relative to the user config dir, used when
// NewFileMedium is given an empty path.
const DefaultFileDir = "authclient/session"

const itemExt = ".item"

// FileMedium stores one file per key in a directory. It is the process
// equivalent of browser page storage: values survive restarts and can be
// shared by several processes of the same user.
//
// Files are written atomically (temp file + rename) with 0600 permissions in
// a 0700 directory.
type FileMedium struct {
	dir    string
	logger *slog.Logger
}

// FileOption configures a FileMedium.
type FileOption func(*FileMedium)

// WithFileLogger sets the logger used by the watcher.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(m *FileMedium) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewFileMedium creates the storage directory if needed. An empty dir means
// $XDG_CONFIG_HOME/authclient/session (or the platform equivalent).
func NewFileMedium(dir string, opts ...FileOption) (*FileMedium, error) {
	if dir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		dir = filepath.Join(configDir, DefaultFileDir)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	m := &FileMedium{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the storage directory.
func (m *FileMedium) Dir() string { return m.dir }

func (m *FileMedium) path(key string) string {
	return filepath.Join(m.dir, url.PathEscape(key)+itemExt)
}

func (m *FileMedium) GetItem(_ context.Context, key string) (string, bool, error) {
	// #nosec G304 -- the file name is derived from an escaped key inside our own directory
	data, err := os.ReadFile(m.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (m *FileMedium) SetItem(_ context.Context, key, value string) error {
	tmp, err := os.CreateTemp(m.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // no-op after a successful rename
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, m.path(key))
}

func (m *FileMedium) RemoveItem(_ context.Context, key string) error {
	err := os.Remove(m.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Keys lists the stored keys starting with prefix.
func (m *FileMedium) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		key, ok := keyFromFileName(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch calls onChange with the affected key whenever an item file is
// created, rewritten or removed, including by other processes. It returns once
// the watch is established; watching stops when ctx is cancelled.
func (m *FileMedium) Watch(ctx context.Context, onChange func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
					!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if key, ok := keyFromFileName(filepath.Base(ev.Name)); ok {
					onChange(key)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("Token storage watcher error",
					"dir", m.dir,
					"error", err.Error(),
				)
			}
		}
	}()

	return nil
}

func keyFromFileName(name string) (string, bool) {
	if strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, itemExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, itemExt))
	if err != nil {
		return "", false
	}
	return key, true
}
