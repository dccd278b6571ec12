package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "ns", Config{CacheSize: 2, CompressionLevel: 2})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestPutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)

	data := bytes.Repeat([]byte("blob content "), 50)
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hashOf(data), hash)

	ok, err := s.Has(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	s.Clear()
	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	raw, err := os.ReadFile(s.objectPath(hash))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), hashOf([]byte("nope")))
	assert.ErrorIs(t, err, ErrObjectNotFound)

	ok, err := s.Has(context.Background(), hashOf([]byte("nope")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMulti(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)

	objects := map[string][]byte{}
	for _, v := range []string{"a", "b", "c", "d"} {
		objects[hashOf([]byte(v))] = []byte(v)
	}
	require.NoError(t, s.PutMulti(ctx, objects))

	hashes := []string{hashOf([]byte("a")), hashOf([]byte("d")), hashOf([]byte("missing"))}
	got, err := s.GetMulti(ctx, hashes)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("d"), got[hashOf([]byte("d"))])
}

func TestPutMultiRejectsMismatch(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	err := s.PutMulti(context.Background(), map[string][]byte{hashOf([]byte("a")): []byte("b")})
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestLog(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	hashes, err := s.ReadLog()
	require.NoError(t, err)
	assert.Empty(t, hashes)

	v, err := s.AppendLog("one")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	v, err = s.AppendLog("two")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	hashes, err = s.ReadLog()
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, hashes)

	require.NoError(t, s.WriteLog([]string{"x", "y", "z"}))
	hashes, err = s.ReadLog()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, hashes)
}

func TestRefsAndNamespaces(t *testing.T) {
	t.Parallel()
	s, dir := newTestStore(t)

	_, err := s.GetRef("secret")
	assert.ErrorIs(t, err, ErrRefNotFound)

	require.NoError(t, s.PutRef("secret", "abc"))
	v, err := s.GetRef("secret")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	assert.True(t, Exists(dir, "ns"))
	assert.False(t, Exists(dir, "other"))
	names, err := Namespaces(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns"}, names)
}

func TestLRUCacheEvicts(t *testing.T) {
	t.Parallel()
	c, err := NewLRUCache(2)
	require.NoError(t, err)

	c.Add("a", []byte("1"))
	c.Add("b", []byte("2"))
	_, _ = c.Get("a")
	c.Add("c", []byte("3"))

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.Equal(t, 2, c.Len())
}
