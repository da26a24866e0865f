package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	creedmoor "github.com/bitemyapp/creedmoor"
	"github.com/bitemyapp/creedmoor/store/disktier"
)

func newTestTiered(t *testing.T, cfg Config) *Tiered {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "cache.db")
	}
	cfg.NoSync = true
	tc, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

func TestTiered_BasicOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("Put and Get round-trip", func(t *testing.T) {
		tc := newTestTiered(t, Config{DiskBudget: 1024, MemoryTierCapacity: 512})

		require.NoError(t, tc.Put(ctx, []byte("key"), []byte("value")))

		got, err := tc.Get(ctx, []byte("key"))
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), got)
	})

	t.Run("Get returns ErrNotFound when resident in neither tier", func(t *testing.T) {
		tc := newTestTiered(t, Config{DiskBudget: 1024, MemoryTierCapacity: 512})

		_, err := tc.Get(ctx, []byte("absent"))
		require.ErrorIs(t, err, creedmoor.ErrNotFound)
	})

	t.Run("returned value is a caller-owned copy", func(t *testing.T) {
		tc := newTestTiered(t, Config{DiskBudget: 1024, MemoryTierCapacity: 512})

		require.NoError(t, tc.Put(ctx, []byte("key"), []byte("pristine")))

		got, err := tc.Get(ctx, []byte("key"))
		require.NoError(t, err)
		got[0] = 'X'

		again, err := tc.Get(ctx, []byte("key"))
		require.NoError(t, err)
		assert.Equal(t, []byte("pristine"), again)
	})
}

func TestTiered_PutPopulatesBothTiers(t *testing.T) {
	ctx := context.Background()
	tc := newTestTiered(t, Config{DiskBudget: 1024, MemoryTierCapacity: 512})

	require.NoError(t, tc.Put(ctx, []byte("key"), make([]byte, 100)))

	s, err := tc.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.MemoryUsage)
	assert.Equal(t, 1, s.MemoryEntries)
	assert.Equal(t, int64(100), s.DiskUsage)
	assert.Equal(t, 1, s.DiskEntries)
}

func TestTiered_GetFallsThroughToDisk(t *testing.T) {
	ctx := context.Background()

	// Memory capacity holds two 100-byte entries; the third put evicts the
	// first from memory while it stays resident on disk.
	tc := newTestTiered(t, Config{DiskBudget: 4096, MemoryTierCapacity: 200})

	require.NoError(t, tc.Put(ctx, []byte("a"), make([]byte, 100)))
	require.NoError(t, tc.Put(ctx, []byte("b"), make([]byte, 100)))
	require.NoError(t, tc.Put(ctx, []byte("c"), make([]byte, 100)))

	got, err := tc.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Len(t, got, 100)

	// The disk hit back-filled the memory tier; "b" was the oldest resident
	// and made room.
	s, err := tc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, s.MemoryEntries)
	assert.Equal(t, 3, s.DiskEntries)
}

func TestTiered_OversizedValueDroppedFromMemoryOnly(t *testing.T) {
	ctx := context.Background()

	// Fits on disk, too large for the memory tier.
	tc := newTestTiered(t, Config{DiskBudget: 4096, MemoryTierCapacity: 100})

	require.NoError(t, tc.Put(ctx, []byte("wide"), make([]byte, 500)))

	s, err := tc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, s.MemoryEntries)
	assert.Equal(t, 1, s.DiskEntries)

	// Still readable through the disk tier.
	got, err := tc.Get(ctx, []byte("wide"))
	require.NoError(t, err)
	assert.Len(t, got, 500)
}

func TestTiered_DiskRejectionLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	tc := newTestTiered(t, Config{DiskBudget: 200, MemoryTierCapacity: 1024})

	require.NoError(t, tc.Put(ctx, []byte("resident"), make([]byte, 50)))

	err := tc.Put(ctx, []byte("huge"), make([]byte, 201))
	var tooLarge *disktier.ObjectTooLargeError
	require.ErrorAs(t, err, &tooLarge)

	// The rejected key must not appear in either tier.
	_, err = tc.Get(ctx, []byte("huge"))
	require.ErrorIs(t, err, creedmoor.ErrNotFound)

	s, err := tc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, s.MemoryEntries)
	assert.Equal(t, int64(50), s.MemoryUsage)
}

func TestTiered_MemoryTierDisabled(t *testing.T) {
	ctx := context.Background()
	tc := newTestTiered(t, Config{DiskBudget: 1024})

	require.NoError(t, tc.Put(ctx, []byte("key"), []byte("value")))

	got, err := tc.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	s, err := tc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, s.MemoryEntries)
	assert.Equal(t, int64(0), s.MemoryCapacity)
	assert.Equal(t, 1, s.DiskEntries)
}

func TestTiered_TiersEvictIndependently(t *testing.T) {
	ctx := context.Background()
	tc := newTestTiered(t, Config{DiskBudget: 1000, MemoryTierCapacity: 300})

	for i := 0; i < 10; i++ {
		require.NoError(t, tc.Put(ctx, []byte(fmt.Sprintf("key-%d", i)), make([]byte, 100)))
	}

	s, err := tc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, s.MemoryEntries)
	assert.Equal(t, int64(300), s.MemoryUsage)
	assert.Equal(t, 10, s.DiskEntries)
	assert.Equal(t, int64(1000), s.DiskUsage)
	assert.Equal(t, int64(1000), s.DiskBudget)
}

func TestTiered_CustomSizerAppliesToBothTiers(t *testing.T) {
	ctx := context.Background()

	padded := func(value []byte) int64 { return int64(len(value)) + 32 }
	tc := newTestTiered(t, Config{
		DiskBudget:         1024,
		MemoryTierCapacity: 512,
		Sizer:              padded,
	})

	require.NoError(t, tc.Put(ctx, []byte("key"), make([]byte, 68)))

	s, err := tc.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.MemoryUsage)
	assert.Equal(t, int64(100), s.DiskUsage)
}
