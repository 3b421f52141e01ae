package tokenstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Medium is the key/value capability every backing store must provide.
// GetItem reports found=false for a missing key; err is reserved for the
// medium itself being unreachable.
type Medium interface {
	GetItem(ctx context.Context, key string) (value string, found bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Lister is implemented by mediums that can enumerate their keys. Store.Clear
// uses it to remove every namespaced key, not just the ones it knows about.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Watcher is implemented by mediums that can report changes made by other
// processes sharing the same medium.
type Watcher interface {
	Watch(ctx context.Context, onChange func(key string)) error
}

// ErrCorruptValue is returned by mediums that can detect a stored value was
// damaged (for example failed decryption). The Store treats it as absence.
var ErrCorruptValue = errors.New("tokenstore: corrupt stored value")

// MemoryMedium keeps items in a map. It is the default medium and the one used
// when session persistence is disabled.
type MemoryMedium struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryMedium creates an empty in-memory medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{items: make(map[string]string)}
}

func (m *MemoryMedium) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryMedium) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryMedium) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (m *MemoryMedium) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every item.
func (m *MemoryMedium) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]string)
	return nil
}
