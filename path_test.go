package treesync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/treesync"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"/", "", "/foo bar", "/a/b.c", "/~user/x", "/a=b;c", "relative/path"}
	for _, p := range valid {
		assert.NoError(t, treesync.ValidatePath(p), p)
	}
	invalid := []string{"/foo%20bar", "/a?b", "/a#b", "/naïve", "/a\\b", "/tab\there"}
	for _, p := range invalid {
		assert.ErrorIs(t, treesync.ValidatePath(p), treesync.ErrInvalidPath, p)
	}

	assert.ErrorIs(t, treesync.ValidateFilePath("/dir/"), treesync.ErrInvalidPath)
	assert.ErrorIs(t, treesync.ValidateFilePath(""), treesync.ErrInvalidPath)
	assert.NoError(t, treesync.ValidateFilePath("/dir/file"))
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"":          "/",
		"a/b":       "/a/b",
		"/a/../b/":  "/b",
		"//a//b":    "/a/b",
		"/../..":    "/",
		"a\\b":      "/a/b",
		"/./x/./y/": "/x/y",
	}
	for in, want := range tests {
		assert.Equal(t, want, treesync.NormalizePath(in), in)
	}

	assert.Equal(t, "/a/b/c", treesync.JoinPath("/a", "b/", "c"))
	assert.Nil(t, treesync.SplitPath("/"))
	assert.Equal(t, []string{"a", "b"}, treesync.SplitPath("a/b/"))
}

func TestInvalidPathBeforeMutation(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, newLibrary(t))
	v := a.Version()

	err := a.Mkdir(ctx, "/bad%20dir")
	assert.ErrorIs(t, err, treesync.ErrInvalidPath)
	_, err = a.Create(ctx, "/dir/", treesync.WriteOptions{})
	assert.ErrorIs(t, err, treesync.ErrInvalidPath)
	assert.Equal(t, v, a.Version())
}

func TestMetadataCodec(t *testing.T) {
	raw, err := treesync.EncodeMetadata(treesync.Metadata{
		"title":   "Hello",
		"n":       42,
		"ok":      true,
		"pi":      3.5,
		"gone":    nil,
		"bin:key": []byte{0, 1},
	})
	require.NoError(t, err)
	assert.NotContains(t, raw, "gone")

	md := treesync.DecodeMetadata(raw)
	assert.Equal(t, treesync.Metadata{
		"title":   "Hello",
		"n":       "42",
		"ok":      "true",
		"pi":      "3.5",
		"bin:key": []byte{0, 1},
	}, md)

	_, err = treesync.EncodeMetadata(treesync.Metadata{"bad": map[string]int{}})
	assert.ErrorIs(t, err, treesync.ErrInvalidEncoding)

	assert.Nil(t, treesync.DecodeMetadata(nil))
	assert.Equal(t, []string{"gone"}, treesync.DeletedKeys(treesync.Metadata{"gone": nil, "kept": "x"}))
}

func TestReadDirRecursive(t *testing.T) {
	ctx := context.Background()
	lib := newLibrary(t)
	a, child := newArchive(t, lib), newArchive(t, lib)
	populate(t, a, map[string]string{"/a/b/c.txt": "abc", "/a/d.txt": "d", "/e.txt": "eeeee"})
	populate(t, child, map[string]string{"/hidden.txt": "not counted"})
	require.NoError(t, a.Mount(ctx, "/a/mnt", treesync.MountInfo{Key: child.Key()}))

	entries, err := treesync.ReadDir(ctx, a, "/", treesync.ReadDirOptions{Recursive: true})
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
		assert.Nil(t, e.Stat)
	}
	assert.Equal(t, []string{"a", "a/b", "a/b/c.txt", "a/d.txt", "a/mnt", "e.txt"}, names)

	flat, err := treesync.ReadDir(ctx, a, "/a", treesync.ReadDirOptions{IncludeStats: true})
	require.NoError(t, err)
	require.Len(t, flat, 3)
	assert.True(t, flat[2].Stat.IsMount())

	size, err := treesync.ReadSize(ctx, a, "/")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), size)
}
