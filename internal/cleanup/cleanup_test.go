package cleanup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func setup(t *testing.T) (*docstore.Store, *pathmap.Mapper, *mirror.Maintainer) {
	t.Helper()
	docs, err := docstore.Open("memory://")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	mapper, err := pathmap.New(pathmap.Config{Root: "mirror", Bucket: "b"})
	require.NoError(t, err)
	return docs, mapper, mirror.NewMaintainer(docs, mapper, mirror.WithLogger(discard), mirror.WithRetryDelay(0))
}

func apply(t *testing.T, m *mirror.Maintainer, key string, kind mirror.Kind, ts time.Time) {
	t.Helper()
	out, err := m.Apply(context.Background(), mirror.Mutation{ObjectKey: key, Kind: kind, Timestamp: ts})
	require.NoError(t, err)
	require.Equal(t, mirror.OutcomeApplied, out)
}

func countSubtree(t *testing.T, docs *docstore.Store, path string) int {
	t.Helper()
	paths, err := docs.SubtreePaths(context.Background(), path, "", 10000)
	require.NoError(t, err)
	return len(paths)
}

func TestCleanDocumentsPrefix(t *testing.T) {
	docs, mapper, m := setup(t)
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	apply(t, m, "a/b/1", mirror.KindCreate, t0)
	apply(t, m, "a/b/2", mirror.KindCreate, t0)
	apply(t, m, "a/b/3", mirror.KindCreate, t0)
	apply(t, m, "a/b/3", mirror.KindDelete, t0.Add(time.Second))
	apply(t, m, "keep", mirror.KindCreate, t0)

	ab, err := mapper.PrefixPath("a/b/")
	require.NoError(t, err)

	c := New(docs, mapper, WithLogger(discard), WithPageSize(2))
	n, err := c.CleanDocuments(ctx, "a/b/")
	require.NoError(t, err)
	// prefix document, two items, one tombstone, one logically deleted item row
	assert.Equal(t, 5, n)
	assert.Zero(t, countSubtree(t, docs, ab))

	keep, err := docs.Get(ctx, "mirror/b/items/keep")
	require.NoError(t, err)
	assert.True(t, keep.Exists)

	// a only held a/b, so it is pruned with its own lastEvent
	a, err := docs.Get(ctx, "mirror/b/prefixes/a")
	require.NoError(t, err)
	assert.False(t, a.Exists)
	tomb, err := docs.Get(ctx, "mirror/b/prefixes-tombstones/a")
	require.NoError(t, err)
	require.True(t, tomb.Exists)
	ts, ok := mirror.LastEvent(tomb)
	require.True(t, ok)
	assert.True(t, t0.Equal(ts))
}

func TestCleanDocumentsRepointsAncestors(t *testing.T) {
	docs, mapper, m := setup(t)
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	apply(t, m, "a/b/1", mirror.KindCreate, t0)
	apply(t, m, "a/c/2", mirror.KindCreate, t0.Add(time.Second))

	a, err := docs.Get(ctx, "mirror/b/prefixes/a")
	require.NoError(t, err)
	witness, _ := a.Data.GetString(mirror.FieldWitnessChild)
	require.Equal(t, mirror.WitnessRef("mirror/b/prefixes/a/prefixes/b"), witness)

	_, err = New(docs, mapper, WithLogger(discard)).CleanDocuments(ctx, "a/b/")
	require.NoError(t, err)

	a, err = docs.Get(ctx, "mirror/b/prefixes/a")
	require.NoError(t, err)
	require.True(t, a.Exists)
	witness, _ = a.Data.GetString(mirror.FieldWitnessChild)
	assert.Equal(t, mirror.WitnessRef("mirror/b/prefixes/a/prefixes/c"), witness)
	ts, ok := mirror.LastEvent(a)
	require.True(t, ok)
	assert.True(t, t0.Equal(ts), "repair keeps the prefix's own lastEvent")
}

func TestCleanDocumentsWholeBucket(t *testing.T) {
	docs, mapper, m := setup(t)
	apply(t, m, "x/y", mirror.KindCreate, time.Unix(1, 0))
	apply(t, m, "z", mirror.KindCreate, time.Unix(1, 0))

	n, err := New(docs, mapper, WithLogger(discard)).CleanDocuments(context.Background(), "")
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Zero(t, countSubtree(t, docs, mapper.BucketPath()))
}

func TestCleanDocumentsInvalidPrefix(t *testing.T) {
	docs, mapper, _ := setup(t)
	_, err := New(docs, mapper, WithLogger(discard)).CleanDocuments(context.Background(), "a//b/")
	assert.ErrorIs(t, err, pathmap.ErrInvalidPath)
}

func TestCleanObjects(t *testing.T) {
	docs, mapper, _ := setup(t)
	ctx := context.Background()
	bucket := objstore.NewMemoryBucket("b")
	for i := range 25 {
		_, err := bucket.Put(ctx, fmt.Sprintf("logs/%02d", i), []byte("x"), objstore.PutOptions{})
		require.NoError(t, err)
	}
	_, err := bucket.Put(ctx, "other", []byte("x"), objstore.PutOptions{})
	require.NoError(t, err)

	c := New(docs, mapper, WithLogger(discard), WithPageSize(4), WithConcurrency(3))
	n, err := c.CleanObjects(ctx, bucket, "logs/")
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 1, bucket.Len())
}

func TestCleanTombstones(t *testing.T) {
	docs, mapper, m := setup(t)
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	var keys []string
	for i := range 12 {
		keys = append(keys, fmt.Sprintf("d%d/f%d", i%3, i))
	}
	for _, k := range keys {
		apply(t, m, k, mirror.KindCreate, t0)
	}
	for _, k := range keys[:9] {
		apply(t, m, k, mirror.KindDelete, t0.Add(time.Second))
	}
	apply(t, m, "live", mirror.KindCreate, t0)

	c := New(docs, mapper, WithLogger(discard), WithPageSize(2))
	n, err := c.CleanTombstones(ctx, 3)
	require.NoError(t, err)
	// nine item tombstones; every d<i> keeps a live child so no prefix tombstones
	assert.Equal(t, 9, n)

	for _, k := range keys[:9] {
		_, tomb, err := m.Snapshot(ctx, k)
		require.NoError(t, err)
		assert.False(t, tomb.Exists, k)
	}
	for _, k := range append(keys[9:], "live") {
		live, _, err := m.Snapshot(ctx, k)
		require.NoError(t, err)
		assert.True(t, live.Exists, k)
	}

	n, err = c.CleanTombstones(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanTombstonesIncludesPrefixes(t *testing.T) {
	docs, mapper, m := setup(t)
	apply(t, m, "p/q/r", mirror.KindCreate, time.Unix(1, 0))
	apply(t, m, "p/q/r", mirror.KindDelete, time.Unix(2, 0))

	n, err := New(docs, mapper, WithLogger(discard)).CleanTombstones(context.Background(), 1)
	require.NoError(t, err)
	// the item plus prefixes p/q and p
	assert.Equal(t, 3, n)
}
