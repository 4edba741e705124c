package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotnest/spotnest/internal/database"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/snapshot"
	"github.com/spotnest/spotnest/internal/storage"
)

func put(t *testing.T, blobs *storage.MemoryStore, key, body string) {
	t.Helper()
	require.NoError(t, blobs.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func exists(t *testing.T, blobs *storage.MemoryStore, key string) bool {
	t.Helper()
	ok, err := blobs.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestSweepRemovesUnreferencedSnapshots(t *testing.T) {
	origDry, origPartials := dryRun, partials
	t.Cleanup(func() { dryRun, partials = origDry, origPartials })
	dryRun, partials = false, false

	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	store := database.NewStore(db)

	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, &models.Snapshot{
		ID:        "ref-1",
		Kind:      models.SnapshotBase,
		CreatedAt: time.Now(),
	}))

	blobs := storage.NewMemoryStore()
	put(t, blobs, snapshot.ManifestKey("ref-1"), `{}`)
	put(t, blobs, "snapshots/ref-1/blobs/ab/abcd", "data")
	put(t, blobs, snapshot.ManifestKey("gone-1"), `{}`)
	put(t, blobs, "snapshots/gone-1/blobs/cd/cdef", "data")
	// No manifest: an upload that never finished.
	put(t, blobs, "snapshots/part-1/blobs/ef/ef01", "data")

	require.NoError(t, sweep(ctx, store, blobs))

	assert.True(t, exists(t, blobs, snapshot.ManifestKey("ref-1")))
	assert.True(t, exists(t, blobs, "snapshots/ref-1/blobs/ab/abcd"))
	assert.False(t, exists(t, blobs, snapshot.ManifestKey("gone-1")))
	assert.False(t, exists(t, blobs, "snapshots/gone-1/blobs/cd/cdef"))
	// Partials survive by default.
	assert.True(t, exists(t, blobs, "snapshots/part-1/blobs/ef/ef01"))

	partials = true
	require.NoError(t, sweep(ctx, store, blobs))
	assert.False(t, exists(t, blobs, "snapshots/part-1/blobs/ef/ef01"))
	assert.True(t, exists(t, blobs, snapshot.ManifestKey("ref-1")))
}

func TestSweepDryRunDeletesNothing(t *testing.T) {
	origDry, origPartials := dryRun, partials
	t.Cleanup(func() { dryRun, partials = origDry, origPartials })
	dryRun, partials = true, true

	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	store := database.NewStore(db)

	blobs := storage.NewMemoryStore()
	put(t, blobs, snapshot.ManifestKey("gone-1"), `{}`)
	put(t, blobs, "snapshots/gone-1/blobs/cd/cdef", "data")

	require.NoError(t, sweep(context.Background(), store, blobs))

	assert.True(t, exists(t, blobs, snapshot.ManifestKey("gone-1")))
	assert.True(t, exists(t, blobs, "snapshots/gone-1/blobs/cd/cdef"))
}
