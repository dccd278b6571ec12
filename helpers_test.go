package treesync_test

import (
	"context"
	"io"
	"path"
	"slices"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/drive"
	"github.com/aweris/treesync/localfs"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newLibrary(t *testing.T) *drive.Library {
	t.Helper()
	lib, err := drive.OpenLibrary(t.TempDir(), drive.WithLogger(quietLogger()), drive.WithAuth(drive.StaticAuth("", "")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

func newArchive(t *testing.T, lib *drive.Library) *drive.Archive {
	t.Helper()
	a, err := lib.Create(context.Background())
	require.NoError(t, err)
	return a
}

func newMemFS() *localfs.FS {
	return localfs.NewMemory(localfs.WithLogger(quietLogger()))
}

func newEngine() *treesync.Engine {
	return treesync.New(treesync.WithLogger(quietLogger()))
}

// populate creates the given tree. Keys ending in "/" are folders, the rest
// are files holding the value.
func populate(t *testing.T, s treesync.Store, tree map[string]string) {
	t.Helper()
	ctx := context.Background()
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if strings.HasSuffix(k, "/") {
			require.NoError(t, treesync.MkdirAll(ctx, s, k))
			continue
		}
		require.NoError(t, treesync.MkdirAll(ctx, s, path.Dir(k)))
		require.NoError(t, treesync.WriteFile(ctx, s, k, []byte(tree[k]), treesync.WriteOptions{}))
	}
}

func readString(t *testing.T, s treesync.Store, p string) string {
	t.Helper()
	data, err := treesync.ReadFile(context.Background(), s, p)
	require.NoError(t, err)
	return string(data)
}

func change(op treesync.Op, typ treesync.ChangeType, p string) treesync.Change {
	return treesync.Change{Op: op, Type: typ, Path: p}
}

// listing returns every path below p in s, folders suffixed with "/".
func listing(t *testing.T, s treesync.Store, p string) []string {
	t.Helper()
	entries, err := treesync.ReadDir(context.Background(), s, p, treesync.ReadDirOptions{Recursive: true, IncludeStats: true})
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		name := e.Name
		if e.Stat.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	return out
}
