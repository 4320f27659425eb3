package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportsync/internal/storage"
	"github.com/supportsync/internal/storage/memory"
	"github.com/supportsync/internal/storage/pebble"
)

func backends(t *testing.T) map[string]func(t *testing.T) storage.Store {
	return map[string]func(t *testing.T) storage.Store{
		"memory": func(t *testing.T) storage.Store { return memory.New() },
		"pebble": func(t *testing.T) storage.Store {
			c, err := pebble.Open(filepath.Join(t.TempDir(), "state"), "profile-1")
			require.NoError(t, err)
			return c
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, ok, err := s.Get(ctx, storage.KeyToken)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, storage.KeyToken, "tok-1"))
			require.NoError(t, s.Set(ctx, storage.KeyWidgetOpen, "true"))
			v, ok, err := s.Get(ctx, storage.KeyToken)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "tok-1", v)

			require.NoError(t, s.Set(ctx, storage.KeyToken, "tok-2"))
			v, _, _ = s.Get(ctx, storage.KeyToken)
			assert.Equal(t, "tok-2", v)

			require.NoError(t, s.Delete(ctx, storage.SessionKeys...))
			for _, k := range storage.SessionKeys {
				_, ok, err := s.Get(ctx, k)
				require.NoError(t, err)
				assert.False(t, ok, k)
			}
		})
	}
}

func TestPebbleSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")

	c, err := pebble.Open(dir, "p")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, storage.KeyLastActivity, "2026-01-01T00:00:00Z"))
	require.NoError(t, c.Close())

	c, err = pebble.Open(dir, "p")
	require.NoError(t, err)
	defer c.Close()
	v, ok, err := c.Get(ctx, storage.KeyLastActivity)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-01-01T00:00:00Z", v)

	other, err := pebble.Open(filepath.Join(t.TempDir(), "other"), "q")
	require.NoError(t, err)
	defer other.Close()
	_, ok, _ = other.Get(ctx, storage.KeyLastActivity)
	assert.False(t, ok)
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.Close())
	err := s.Set(ctx, storage.KeyToken, "x")
	assert.ErrorIs(t, err, storage.ErrClosed)
}
