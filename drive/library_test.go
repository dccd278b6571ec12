package drive

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/treesync"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestLibrary(t *testing.T, dir string) *Library {
	t.Helper()
	lib, err := OpenLibrary(dir, WithLogger(testLogger()), WithAuth(StaticAuth("", "")), WithCacheSize(16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

func newTestArchive(t *testing.T) (*Library, *Archive) {
	t.Helper()
	lib := openTestLibrary(t, t.TempDir())
	a, err := lib.Create(context.Background())
	require.NoError(t, err)
	return lib, a
}

func TestCreateArchive(t *testing.T) {
	ctx := context.Background()
	lib, a := newTestArchive(t)

	assert.Len(t, a.Key(), 64)
	assert.Equal(t, uint64(1), a.Version())
	assert.True(t, a.Writable())
	assert.Equal(t, treesync.StoreArchive, a.Kind())

	names, err := a.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, names)

	keys, err := lib.List()
	require.NoError(t, err)
	assert.Equal(t, []string{a.Key()}, keys)
}

func TestReopenLibrary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	lib := openTestLibrary(t, dir)
	a, err := lib.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, treesync.WriteFile(ctx, a, "/a.txt", []byte("persisted"), treesync.WriteOptions{}))
	require.NoError(t, lib.Close())

	lib2 := openTestLibrary(t, dir)
	b, err := lib2.Open(ctx, a.Key())
	require.NoError(t, err)
	assert.True(t, b.Writable())
	assert.Equal(t, uint64(2), b.Version())

	data, err := treesync.ReadFile(ctx, b, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
}

func TestOpenUnknownArchive(t *testing.T) {
	ctx := context.Background()
	lib := openTestLibrary(t, t.TempDir())

	_, err := lib.Open(ctx, "not-a-key")
	assert.ErrorIs(t, err, treesync.ErrNotFound)

	_, err = lib.Open(ctx, strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, treesync.ErrNotFound)
}

func TestCheckout(t *testing.T) {
	ctx := context.Background()
	lib, a := newTestArchive(t)

	require.NoError(t, treesync.WriteFile(ctx, a, "/a.txt", []byte("one"), treesync.WriteOptions{}))
	require.NoError(t, treesync.WriteFile(ctx, a, "/a.txt", []byte("two"), treesync.WriteOptions{}))
	assert.Equal(t, uint64(3), a.Version())

	v2, err := lib.Checkout(ctx, a.Key(), 2)
	require.NoError(t, err)
	assert.False(t, v2.Writable())
	assert.Equal(t, uint64(2), v2.Version())

	data, err := treesync.ReadFile(ctx, v2, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	v1, err := a.Checkout(ctx, 1)
	require.NoError(t, err)
	_, err = v1.Stat(ctx, "/a.txt")
	assert.ErrorIs(t, err, treesync.ErrNotFound)

	err = v2.Mkdir(ctx, "/dir")
	assert.ErrorIs(t, err, treesync.ErrArchiveNotWritable)

	_, err = a.Checkout(ctx, 4)
	assert.ErrorIs(t, err, treesync.ErrNotFound)
	_, err = a.Checkout(ctx, 0)
	assert.ErrorIs(t, err, treesync.ErrNotFound)
}

func TestHandlesShareHead(t *testing.T) {
	ctx := context.Background()
	lib, a := newTestArchive(t)

	b, err := lib.Open(ctx, a.Key())
	require.NoError(t, err)
	require.NoError(t, a.Mkdir(ctx, "/shared"))

	st, err := b.Stat(ctx, "/shared")
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, a.Version(), b.Version())
}
