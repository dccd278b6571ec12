package drive

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/internal/remote"
)

func testRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestPushPull(t *testing.T) {
	ctx := context.Background()
	ref := testRegistry(t) + "/archives/docs:latest"

	src, a := newTestArchive(t)
	writeFile(t, a, "/docs/a.txt", "alpha")
	writeFile(t, a, "/docs/b.txt", "beta")
	require.NoError(t, src.Push(ctx, a.Key(), ref))

	dst := openTestLibrary(t, t.TempDir())
	b, err := dst.Pull(ctx, ref, PullOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.Version(), b.Version())
	assert.False(t, b.Writable())

	data, err := treesync.ReadFile(ctx, b, "/docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	// history travels with the archive
	v2, err := b.Checkout(ctx, 2)
	require.NoError(t, err)
	names, err := v2.ReadDir(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)

	// incremental push and pull
	writeFile(t, a, "/docs/c.txt", "gamma")
	require.NoError(t, src.Push(ctx, a.Key(), ref))
	b, err = dst.Pull(ctx, ref, PullOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())
	data, err = treesync.ReadFile(ctx, b, "/docs/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "gamma", string(data))
}

func TestSparsePull(t *testing.T) {
	ctx := context.Background()
	ref := testRegistry(t) + "/archives/sparse:latest"

	src, a := newTestArchive(t)
	writeFile(t, a, "/dir/file.txt", "content")
	require.NoError(t, src.Push(ctx, a.Key(), ref))

	dst := openTestLibrary(t, t.TempDir())
	b, err := dst.Pull(ctx, ref, PullOptions{Sparse: true})
	require.NoError(t, err)

	st, err := b.Stat(ctx, "/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), st.Size)

	_, err = b.Open(ctx, "/dir/file.txt")
	assert.ErrorIs(t, err, treesync.ErrNotAvailable)

	b, err = dst.Pull(ctx, ref, PullOptions{})
	require.NoError(t, err)
	data, err := treesync.ReadFile(ctx, b, "/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestPushRequiresSecret(t *testing.T) {
	ctx := context.Background()
	ref := testRegistry(t) + "/archives/ro:latest"

	src, a := newTestArchive(t)
	require.NoError(t, src.Push(ctx, a.Key(), ref))

	dst := openTestLibrary(t, t.TempDir())
	b, err := dst.Pull(ctx, ref, PullOptions{})
	require.NoError(t, err)

	err = dst.Push(ctx, b.Key(), ref)
	assert.ErrorIs(t, err, treesync.ErrArchiveNotWritable)
}

func TestPullDivergedHistory(t *testing.T) {
	ctx := context.Background()
	host := testRegistry(t)

	lib, a := newTestArchive(t)
	writeFile(t, a, "/a.txt", "one")
	require.NoError(t, lib.Push(ctx, a.Key(), host+"/archives/old:v1"))

	writeFile(t, a, "/a.txt", "two")

	// pulling an older snapshot of the same archive keeps the local head
	b, err := lib.Pull(ctx, host+"/archives/old:v1", PullOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())

	require.NoError(t, a.st.store.WriteLog([]string{emptyTreeHash, emptyTreeHash}))
	_, err = lib.Pull(ctx, host+"/archives/old:v1", PullOptions{})
	assert.ErrorIs(t, err, treesync.ErrEntryAlreadyExists)
}

func TestPullErrors(t *testing.T) {
	ctx := context.Background()
	host := testRegistry(t)
	lib := openTestLibrary(t, t.TempDir())

	_, err := lib.Pull(ctx, host+"/archives/missing:latest", PullOptions{})
	assert.ErrorIs(t, err, treesync.ErrNotFound)

	_, err = lib.Pull(ctx, "INVALID REF::", PullOptions{})
	assert.ErrorIs(t, err, treesync.ErrInvalidPath)
}

func TestVerifySnapshot(t *testing.T) {
	_, a := newTestArchive(t)
	writeFile(t, a, "/a.txt", "a")
	_, other := newTestArchive(t)

	hashes, err := a.st.store.ReadLog()
	require.NoError(t, err)
	sign := func(log []string) string {
		return base64.StdEncoding.EncodeToString(ed25519.Sign(a.st.secret, signedMessage(a.Key(), log)))
	}

	require.NoError(t, verifySnapshot(&remote.Snapshot{Key: a.Key(), Log: hashes, Signature: sign(hashes)}))

	tampered := &remote.Snapshot{Key: a.Key(), Log: hashes[:1], Signature: sign(hashes)}
	assert.Error(t, verifySnapshot(tampered))

	forged := &remote.Snapshot{Key: other.Key(), Log: hashes, Signature: sign(hashes)}
	assert.Error(t, verifySnapshot(forged))

	assert.Error(t, verifySnapshot(&remote.Snapshot{Key: "zz", Log: hashes}))
	assert.Error(t, verifySnapshot(&remote.Snapshot{Key: a.Key(), Signature: sign(nil)}))
	assert.Error(t, verifySnapshot(&remote.Snapshot{Key: a.Key(), Log: hashes, Signature: "%%%"}))
}

func TestReachable(t *testing.T) {
	ctx := context.Background()
	_, a := newTestArchive(t)
	writeFile(t, a, "/dir/a.txt", "a")
	writeFile(t, a, "/dir/a.txt", "b")

	hashes, err := a.st.store.ReadLog()
	require.NoError(t, err)
	objects, err := reachable(ctx, a.st.store, hashes)
	require.NoError(t, err)

	// empty root, two roots, two dir trees, two blobs
	assert.Len(t, objects, 7)
	for hash, data := range objects {
		assert.Equal(t, hash, hashOf(data))
	}
}
