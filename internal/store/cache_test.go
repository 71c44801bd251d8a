package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCacheRoundTrip(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir())
	require.NoError(t, err)

	sessionID := uuid.New()
	last := 56
	saved := &CachedCalls{
		CalledNumbers: []int{7, 23, 41, 56},
		LastCalled:    &last,
		Generation:    3,
		Timestamp:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, cache.Save(sessionID, saved))

	loaded, err := cache.Load(sessionID)
	require.NoError(t, err)
	assert.Equal(t, saved.CalledNumbers, loaded.CalledNumbers)
	assert.Equal(t, 56, *loaded.LastCalled)
	assert.Equal(t, 3, loaded.Generation)
	assert.True(t, saved.Timestamp.Equal(loaded.Timestamp))
}

func TestLocalCacheMissingSession(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir())
	require.NoError(t, err)

	_, err = cache.Load(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalCacheCorruptFileTreatedAsMissing(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewLocalCache(dir)
	require.NoError(t, err)

	sessionID := uuid.New()
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID.String()+".json"), []byte("{not json"), 0o644))

	_, err = cache.Load(sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalCacheClear(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir())
	require.NoError(t, err)

	sessionID := uuid.New()
	require.NoError(t, cache.Save(sessionID, &CachedCalls{CalledNumbers: []int{1}}))
	require.NoError(t, cache.Clear(sessionID))

	_, err = cache.Load(sessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Clearing twice is fine.
	require.NoError(t, cache.Clear(sessionID))
}

func TestLocalCacheSaveOverwrites(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir())
	require.NoError(t, err)

	sessionID := uuid.New()
	require.NoError(t, cache.Save(sessionID, &CachedCalls{CalledNumbers: []int{1, 2}, Generation: 0}))
	require.NoError(t, cache.Save(sessionID, &CachedCalls{CalledNumbers: []int{}, Generation: 1}))

	loaded, err := cache.Load(sessionID)
	require.NoError(t, err)
	assert.Empty(t, loaded.CalledNumbers)
	assert.Equal(t, 1, loaded.Generation)
}
