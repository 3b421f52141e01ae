package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

func openMedium(t *testing.T) (*Medium, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tokens.db")
	m, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

func TestMedium_GetSetRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := openMedium(t)

	_, found, err := m.GetItem(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, m.SetItem(ctx, "k", "v1"))
	require.NoError(t, m.SetItem(ctx, "k", "v2"))

	v, found, err := m.GetItem(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", v)

	require.NoError(t, m.RemoveItem(ctx, "k"))
	_, found, err = m.GetItem(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMedium_KeysTreatsUnderscoreLiterally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := openMedium(t)

	require.NoError(t, m.SetItem(ctx, "app_a", "1"))
	require.NoError(t, m.SetItem(ctx, "app_b", "2"))
	require.NoError(t, m.SetItem(ctx, "appXc", "3"))

	keys, err := m.Keys(ctx, "app_")
	require.NoError(t, err)
	require.Equal(t, []string{"app_a", "app_b"}, keys)
}

func TestMedium_UpdatedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := openMedium(t)

	fixed := time.Date(2030, 5, 6, 7, 8, 9, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	require.NoError(t, m.SetItem(ctx, "k", "v"))

	at, found, err := m.UpdatedAt(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, fixed.Equal(at))
}

func TestMedium_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, path := openMedium(t)

	store := tokenstore.New(m)
	require.NoError(t, store.Write(ctx, &tokenstore.Bundle{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		User:         &tokenstore.User{ID: "u1", Email: "u1@example.com"},
	}))
	require.NoError(t, m.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	b, err := tokenstore.New(reopened).Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "u1@example.com", b.User.Email)
}

func TestOpen_RejectsMemoryDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(":memory:")
	require.Error(t, err)
}
