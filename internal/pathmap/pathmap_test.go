package pathmap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := New(Config{Root: "mirror", Bucket: "photos"})
	require.NoError(t, err)
	return m
}

func TestMapNested(t *testing.T) {
	m := newTestMapper(t)

	got, err := m.Map("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "mirror/photos/prefixes/a/prefixes/b/items/c.txt", got.ItemPath)
	assert.Equal(t, []string{
		"mirror/photos/prefixes/a",
		"mirror/photos/prefixes/a/prefixes/b",
	}, got.PrefixPaths)
	assert.Equal(t, "mirror/photos/prefixes/a/prefixes/b", got.Parent(m.BucketPath()))
}

func TestMapTopLevel(t *testing.T) {
	m := newTestMapper(t)

	got, err := m.Map("c.txt")
	require.NoError(t, err)
	assert.Equal(t, "mirror/photos/items/c.txt", got.ItemPath)
	assert.Empty(t, got.PrefixPaths)
	assert.Equal(t, "mirror/photos", got.Parent(m.BucketPath()))
}

func TestMapCustomCollections(t *testing.T) {
	m, err := New(Config{Root: "r", Bucket: "b", ItemsCollection: "files", PrefixesCollection: "dirs"})
	require.NoError(t, err)

	got, err := m.Map("x/y")
	require.NoError(t, err)
	assert.Equal(t, "r/b/dirs/x/files/y", got.ItemPath)
	assert.Equal(t, "r/b/files-tombstones/y", m.TombstonePath("r/b/files/y"))
	assert.Equal(t, "r/b/dirs-tombstones/x", m.TombstonePath("r/b/dirs/x"))
}

func TestMapInvalid(t *testing.T) {
	m := newTestMapper(t)

	tests := []struct {
		name string
		key  string
	}{
		{"empty key", ""},
		{"trailing slash", "a/b/"},
		{"double slash", "a//b"},
		{"dot segment", "a/./b"},
		{"dotdot segment", "../b"},
		{"reserved id", "__meta__/b"},
		{"reserved short", "____"},
		{"invalid utf8", "a/\xff"},
		{"segment too long", strings.Repeat("x", MaxIDBytes+1)},
		{"too deep", strings.Repeat("d/", MaxDepth) + "f"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Map(tt.key)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestMapPathTooLong(t *testing.T) {
	m := newTestMapper(t)

	// Each segment is a valid id, but together they exceed the path limit.
	seg := strings.Repeat("s", 1000)
	key := strings.Join([]string{seg, seg, seg, seg, seg, seg, seg}, "/")

	_, err := m.Map(key)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestMapAcceptsUnusualIDs(t *testing.T) {
	m := newTestMapper(t)

	for _, key := range []string{"_a_", "__a", "...", "a b/ü.png", "x/__y"} {
		_, err := m.Map(key)
		assert.NoError(t, err, key)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Root: "", Bucket: "b"})
	assert.Error(t, err)

	_, err = New(Config{Root: "r/x", Bucket: "b"})
	assert.Error(t, err)

	_, err = New(Config{Root: "r", Bucket: "b", ItemsCollection: "same", PrefixesCollection: "same"})
	assert.Error(t, err)
}

func TestReverseMapping(t *testing.T) {
	m := newTestMapper(t)

	for _, key := range []string{"c.txt", "a/c.txt", "a/b/c.txt"} {
		mapping, err := m.Map(key)
		require.NoError(t, err)

		assert.True(t, m.IsItem(mapping.ItemPath))
		assert.False(t, m.IsPrefix(mapping.ItemPath))

		back, err := m.ObjectKey(mapping.ItemPath)
		require.NoError(t, err)
		assert.Equal(t, key, back)
	}
}

func TestPrefixPathAndKey(t *testing.T) {
	m := newTestMapper(t)

	p, err := m.PrefixPath("a/b/")
	require.NoError(t, err)
	assert.Equal(t, "mirror/photos/prefixes/a/prefixes/b", p)

	same, err := m.PrefixPath("a/b")
	require.NoError(t, err)
	assert.Equal(t, p, same)

	key, err := m.PrefixKey(p)
	require.NoError(t, err)
	assert.Equal(t, "a/b/", key)

	_, err = m.PrefixPath("/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestIsItemOutsideTree(t *testing.T) {
	m := newTestMapper(t)

	assert.False(t, m.IsItem("mirror/other/items/c.txt"))
	assert.False(t, m.IsPrefix("mirror/photos/items-tombstones/c.txt"))
	_, err := m.ObjectKey("mirror/photos/prefixes/a")
	assert.Error(t, err)
}

func TestTombstonePath(t *testing.T) {
	m := newTestMapper(t)

	assert.Equal(t, "mirror/photos/prefixes/a/items-tombstones/c.txt",
		m.TombstonePath("mirror/photos/prefixes/a/items/c.txt"))
	assert.Equal(t, "mirror/photos/prefixes-tombstones/a",
		m.TombstonePath("mirror/photos/prefixes/a"))
	assert.Equal(t, "mirror/photos", m.TombstonePath("mirror/photos"))
}
