package treesync_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/drive"
)

func siteFS(t *testing.T) treesync.Store {
	t.Helper()
	fs := newMemFS()
	populate(t, fs, map[string]string{
		"/site/index.html":   "hi",
		"/site/css/app.css":  "c",
		"/site/.git/HEAD":    "ref",
		"/site/tmp/cache.db": "junk",
	})
	return fs
}

func TestExportFilesystemToArchive(t *testing.T) {
	ctx := context.Background()
	fs := siteFS(t)
	a := newArchive(t, newLibrary(t))
	e := newEngine()
	opts := treesync.ExportOptions{Src: fs, SrcPath: "/site", Dst: a, DstPath: "/", Ignore: []string{".git/", "tmp"}}

	stats, err := e.ExportFilesystemToArchive(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/css/app.css", "/index.html"}, stats.AddedFiles)
	assert.Equal(t, []string{"/css"}, stats.AddedFolders)
	assert.Empty(t, stats.UpdatedFiles)
	assert.Equal(t, 2, stats.SkipCount)
	assert.Equal(t, 2, stats.FileCount)
	assert.Equal(t, uint64(3), stats.TotalSize)
	assert.Equal(t, []string{"css/", "css/app.css", "index.html"}, listing(t, a, "/"))

	// a second import rewrites what is already there
	populate(t, fs, map[string]string{"/site/index.html": "hello"})
	stats, err = e.ExportFilesystemToArchive(ctx, opts)
	require.NoError(t, err)
	assert.Empty(t, stats.AddedFiles)
	assert.Empty(t, stats.AddedFolders)
	assert.Equal(t, []string{"/css/app.css", "/index.html"}, stats.UpdatedFiles)
	assert.Equal(t, "hello", readString(t, a, "/index.html"))

	// prune drops what the source no longer has
	require.NoError(t, fs.Unlink(ctx, "/site/css/app.css"))
	opts.Prune = true
	stats, err = e.ExportFilesystemToArchive(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/css/app.css"}, stats.RemovedFiles)
	assert.Equal(t, []string{"css/", "index.html"}, listing(t, a, "/"))
}

func TestExportIntoTargetFolder(t *testing.T) {
	ctx := context.Background()
	fs := siteFS(t)
	a := newArchive(t, newLibrary(t))

	stats, err := newEngine().ExportFilesystemToArchive(ctx, treesync.ExportOptions{
		Src: fs, SrcPath: "/site", Dst: a, DstPath: "/", IntoTargetFolder: true, Ignore: []string{".git/", "tmp/"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/site", "/site/css"}, stats.AddedFolders)
	assert.Equal(t, "hi", readString(t, a, "/site/index.html"))
}

func TestExportFileIntoFolder(t *testing.T) {
	ctx := context.Background()
	fs := siteFS(t)
	a := newArchive(t, newLibrary(t))
	populate(t, a, map[string]string{"/pages/": ""})

	stats, err := newEngine().ExportFilesystemToArchive(ctx, treesync.ExportOptions{
		Src: fs, SrcPath: "/site/index.html", Dst: a, DstPath: "/pages",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/pages/index.html"}, stats.AddedFiles)
}

func mountedArchives(t *testing.T) (lib *drive.Library, a, child *drive.Archive) {
	t.Helper()
	ctx := context.Background()
	lib = newLibrary(t)
	a, child = newArchive(t, lib), newArchive(t, lib)
	populate(t, a, map[string]string{"/docs/a.txt": "a"})
	populate(t, child, map[string]string{"/lib.txt": "lib"})
	require.NoError(t, a.Mount(ctx, "/lib", treesync.MountInfo{Key: child.Key()}))
	require.NoError(t, child.Mount(ctx, "/back", treesync.MountInfo{Key: a.Key()}))
	return lib, a, child
}

func TestExportArchiveToFilesystem(t *testing.T) {
	ctx := context.Background()
	_, a, _ := mountedArchives(t)
	fs := newMemFS()
	e := newEngine()
	opts := treesync.ExportOptions{Src: a, SrcPath: "/", Dst: fs, DstPath: "/out"}

	stats, err := e.ExportArchiveToFilesystem(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/out", "/out/docs", "/out/lib"}, stats.AddedFolders)
	assert.Equal(t, []string{"/out/docs/a.txt", "/out/lib/lib.txt"}, stats.AddedFiles)
	assert.Equal(t, 1, stats.SkipCount, "the mount back into the source is skipped")
	assert.Equal(t, "lib", readString(t, fs, "/out/lib/lib.txt"))

	_, err = e.ExportArchiveToFilesystem(ctx, opts)
	assert.ErrorIs(t, err, treesync.ErrDestDirectoryNotEmpty)

	opts.OverwriteExisting = true
	stats, err = e.ExportArchiveToFilesystem(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/docs/a.txt", "/out/lib/lib.txt"}, stats.UpdatedFiles)
}

func TestExportArchiveToArchiveKeepsMounts(t *testing.T) {
	ctx := context.Background()
	lib, a, child := mountedArchives(t)
	b := newArchive(t, lib)

	stats, err := newEngine().ExportArchiveToArchive(ctx, treesync.ExportOptions{Src: a, SrcPath: "/", Dst: b, DstPath: "/copy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/copy", "/copy/docs", "/copy/lib"}, stats.AddedFolders)
	assert.Equal(t, []string{"/copy/docs/a.txt"}, stats.AddedFiles)

	st, err := b.Lstat(ctx, "/copy/lib")
	require.NoError(t, err)
	require.True(t, st.IsMount())
	assert.Equal(t, child.Key(), st.Mount.Key)
}

func TestExportDryRun(t *testing.T) {
	ctx := context.Background()
	_, a, _ := mountedArchives(t)
	fs := newMemFS()

	var calls []treesync.ExportStats
	stats, err := newEngine().ExportArchiveToFilesystem(ctx, treesync.ExportOptions{
		Src: a, SrcPath: "/", Dst: fs, DstPath: "/out", DryRun: true,
		Progress: func(s treesync.ExportStats) { calls = append(calls, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FileCount)
	assert.Len(t, calls, 5)
	assert.Equal(t, 2, calls[len(calls)-1].FileCount)

	_, err = fs.Stat(ctx, "/out")
	assert.ErrorIs(t, err, treesync.ErrNotFound)
}

func TestExportSkipsUndownloadedFiles(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	ref := strings.TrimPrefix(srv.URL, "http://") + "/archives/site:latest"

	src := newLibrary(t)
	a := newArchive(t, src)
	populate(t, a, map[string]string{"/dir/big.bin": "payload"})
	require.NoError(t, src.Push(ctx, a.Key(), ref))

	sparse, err := newLibrary(t).Pull(ctx, ref, drive.PullOptions{Sparse: true})
	require.NoError(t, err)

	e := newEngine()
	_, err = e.ExportArchiveToFilesystem(ctx, treesync.ExportOptions{Src: sparse, SrcPath: "/", Dst: newMemFS(), DstPath: "/"})
	assert.ErrorIs(t, err, treesync.ErrNotAvailable)

	stats, err := e.ExportArchiveToFilesystem(ctx, treesync.ExportOptions{
		Src: sparse, SrcPath: "/", Dst: newMemFS(), DstPath: "/", SkipUndownloadedFiles: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkipCount)
	assert.Zero(t, stats.FileCount)
	assert.Equal(t, []string{"/dir"}, stats.AddedFolders)
}

func TestExportErrors(t *testing.T) {
	ctx := context.Background()
	lib := newLibrary(t)
	a := newArchive(t, lib)
	populate(t, a, map[string]string{"/a/b/c.txt": "c", "/file": "f"})
	fs := newMemFS()
	e := newEngine()

	_, err := e.ExportArchiveToFilesystem(ctx, treesync.ExportOptions{Src: fs, SrcPath: "/", Dst: fs, DstPath: "/x"})
	assert.ErrorIs(t, err, treesync.ErrNotSupported)

	_, err = e.ExportArchiveToArchive(ctx, treesync.ExportOptions{Src: a, SrcPath: "/a", Dst: a, DstPath: "/a/b/copy"})
	assert.ErrorIs(t, err, treesync.ErrInvalidPath)

	_, err = e.ExportArchiveToArchive(ctx, treesync.ExportOptions{Src: a, SrcPath: "/a", Dst: newArchive(t, lib), DstPath: "/bad%2Fpath"})
	assert.ErrorIs(t, err, treesync.ErrInvalidPath)

	b := newArchive(t, lib)
	populate(t, b, map[string]string{"/taken": "file"})
	_, err = e.ExportArchiveToArchive(ctx, treesync.ExportOptions{Src: a, SrcPath: "/a", Dst: b, DstPath: "/taken"})
	assert.ErrorIs(t, err, treesync.ErrEntryAlreadyExists)

	old, err := b.Checkout(ctx, 1)
	require.NoError(t, err)
	_, err = e.ExportArchiveToArchive(ctx, treesync.ExportOptions{Src: a, SrcPath: "/a", Dst: old, DstPath: "/"})
	assert.ErrorIs(t, err, treesync.ErrArchiveNotWritable)
}
