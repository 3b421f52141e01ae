package tokenstore

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/authclient/pkg/cryptox"
)

// EncryptedMedium seals every value with AES-256-GCM before handing it to the
// wrapped medium. Values that fail to open are reported as ErrCorruptValue.
type EncryptedMedium struct {
	inner  Medium
	sealer *cryptox.Sealer
}

// NewEncryptedMedium wraps inner, deriving the key from keyMaterial.
func NewEncryptedMedium(inner Medium, keyMaterial []byte) (*EncryptedMedium, error) {
	sealer, err := cryptox.NewSealer(keyMaterial)
	if err != nil {
		return nil, err
	}
	return &EncryptedMedium{inner: inner, sealer: sealer}, nil
}

func (m *EncryptedMedium) GetItem(ctx context.Context, key string) (string, bool, error) {
	sealed, found, err := m.inner.GetItem(ctx, key)
	if err != nil || !found {
		return "", found, err
	}

	plain, err := m.sealer.Open(sealed)
	if errors.Is(err, cryptox.ErrOpen) {
		return "", false, ErrCorruptValue
	}
	if err != nil {
		return "", false, err
	}
	return string(plain), true, nil
}

func (m *EncryptedMedium) SetItem(ctx context.Context, key, value string) error {
	sealed, err := m.sealer.Seal([]byte(value))
	if err != nil {
		return err
	}
	return m.inner.SetItem(ctx, key, sealed)
}

func (m *EncryptedMedium) RemoveItem(ctx context.Context, key string) error {
	return m.inner.RemoveItem(ctx, key)
}

// Keys delegates to the wrapped medium when it can list keys.
func (m *EncryptedMedium) Keys(ctx context.Context, prefix string) ([]string, error) {
	if lister, ok := m.inner.(Lister); ok {
		return lister.Keys(ctx, prefix)
	}
	return nil, nil
}

// Watch delegates to the wrapped medium when it supports watching.
func (m *EncryptedMedium) Watch(ctx context.Context, onChange func(key string)) error {
	if w, ok := m.inner.(Watcher); ok {
		return w.Watch(ctx, onChange)
	}
	return errors.New("tokenstore: wrapped medium does not support watching")
}
