package drive

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync"
)

const (
	maxMountDepth = 64
	maxLinkHops   = 16
	lockRetry     = 10 * time.Millisecond
)

// Archive is a handle to one archive, either live (following new commits) or
// a read-only checkout of a fixed version.
type Archive struct {
	lib    *Library
	st     *archiveState
	pinned *head
}

var (
	_ treesync.Store         = (*Archive)(nil)
	_ treesync.Mounter       = (*Archive)(nil)
	_ treesync.MetadataStore = (*Archive)(nil)
	_ treesync.Versioned     = (*Archive)(nil)
	_ treesync.Digester      = (*Archive)(nil)
)

func (a *Archive) Kind() treesync.StoreKind { return treesync.StoreArchive }

// Writable reports whether the library holds the secret key and the handle
// is not a checkout.
func (a *Archive) Writable() bool { return a.st.secret != nil && a.pinned == nil }

func (a *Archive) Key() string { return a.st.key }

func (a *Archive) Version() uint64 { return a.root().version }

// Checkout returns a read-only handle to version.
func (a *Archive) Checkout(ctx context.Context, version uint64) (*Archive, error) {
	hashes, err := a.st.store.ReadLog()
	if err != nil {
		return nil, a.fail("checkout", "/", err)
	}
	if version == 0 || version > uint64(len(hashes)) {
		return nil, treesync.Errorf(treesync.CodeNotFound, "checkout", "/", "archive %s has no version %d", a.st.key, version)
	}
	return &Archive{lib: a.lib, st: a.st, pinned: &head{hash: hashes[version-1], version: version}}, nil
}

func (a *Archive) root() *head {
	if a.pinned != nil {
		return a.pinned
	}
	return a.st.head.Load()
}

func (a *Archive) logger() logrus.FieldLogger {
	return a.lib.log.WithField("key", a.st.key)
}

func (a *Archive) Stat(ctx context.Context, p string) (*treesync.Entry, error) {
	p = treesync.NormalizePath(p)
	_, e, err := a.follow(ctx, "stat", p)
	if err != nil {
		return nil, err
	}
	return e.toEntry(p), nil
}

func (a *Archive) Lstat(ctx context.Context, p string) (*treesync.Entry, error) {
	p = treesync.NormalizePath(p)
	_, _, e, err := a.resolve(ctx, p, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, treesync.NewError(treesync.CodeNotFound, "lstat", p, nil)
	}
	return e.toEntry(p), nil
}

// follow resolves p, following symlinks at the final component. Link targets
// are archive paths, relative ones taken from the link's folder.
func (a *Archive) follow(ctx context.Context, op, p string) (*Archive, *treeEntry, error) {
	cur := p
	for range maxLinkHops {
		target, _, e, err := a.resolve(ctx, cur, false)
		if err != nil {
			return nil, nil, err
		}
		if e == nil {
			return nil, nil, treesync.NewError(treesync.CodeNotFound, op, p, nil)
		}
		if e.Kind != kindSymlink {
			return target, e, nil
		}
		if len(e.Linkname) > 0 && e.Linkname[0] == '/' {
			cur = treesync.NormalizePath(e.Linkname)
		} else {
			cur = treesync.JoinPath(parentOf(cur), e.Linkname)
		}
	}
	return nil, nil, treesync.Errorf(treesync.CodeInvalidPath, op, p, "too many levels of symbolic links")
}

func (a *Archive) ReadDir(ctx context.Context, p string) ([]string, error) {
	p = treesync.NormalizePath(p)
	target, _, e, err := a.resolve(ctx, p, true)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, treesync.NewError(treesync.CodeNotFound, "readdir", p, nil)
	}
	if e.Kind != kindDir {
		return nil, treesync.NewError(treesync.CodeNotAFolder, "readdir", p, nil)
	}
	entries, err := target.readTree(ctx, e.Hash)
	if err != nil {
		return nil, target.fail("readdir", p, err)
	}
	names := make([]string, len(entries))
	for i := range entries {
		names[i] = entries[i].Name
	}
	return names, nil
}

func (a *Archive) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	p = treesync.NormalizePath(p)
	target, e, err := a.follow(ctx, "open", p)
	if err != nil {
		return nil, err
	}
	if e.Kind != kindFile {
		return nil, treesync.NewError(treesync.CodeNotAFile, "open", p, nil)
	}
	content, err := target.readBlob(ctx, e.Hash)
	if err != nil {
		return nil, target.fail("open", p, err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// Digest returns the blob hash of the file at p.
func (a *Archive) Digest(ctx context.Context, p string) (string, error) {
	p = treesync.NormalizePath(p)
	_, _, e, err := a.resolve(ctx, p, false)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", treesync.NewError(treesync.CodeNotFound, "digest", p, nil)
	}
	if e.Kind != kindFile {
		return "", treesync.NewError(treesync.CodeNotAFile, "digest", p, nil)
	}
	return e.Hash, nil
}

// Create buffers the content and commits it when the writer is closed.
// Nil opts.Metadata keeps the metadata of a replaced file.
func (a *Archive) Create(ctx context.Context, p string, opts treesync.WriteOptions) (io.WriteCloser, error) {
	if err := treesync.ValidateFilePath(p); err != nil {
		return nil, err
	}
	p = treesync.NormalizePath(p)
	target, inner, e, err := a.resolveWritable(ctx, "create", p)
	if err != nil {
		return nil, err
	}
	if e != nil && e.isDir() {
		return nil, treesync.Errorf(treesync.CodeEntryAlreadyExists, "create", p, "cannot overwrite a folder with a file")
	}
	var md map[string][]byte
	if opts.Metadata != nil {
		if md, err = treesync.EncodeMetadata(opts.Metadata); err != nil {
			return nil, err
		}
		if md == nil {
			md = map[string][]byte{}
		}
	}
	return &fileWriter{ctx: ctx, archive: target, path: p, inner: inner, mode: opts.Mode.Perm(), metadata: md}, nil
}

type fileWriter struct {
	ctx      context.Context
	archive  *Archive
	path     string
	inner    string
	mode     fs.FileMode
	metadata map[string][]byte
	buf      bytes.Buffer
	closed   bool
}

func (w *fileWriter) Write(b []byte) (int, error) {
	if w.closed {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(b)
}

func (w *fileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	a := w.archive
	hash, blob := encodeBlob(w.buf.Bytes())
	if _, err := a.st.store.Put(w.ctx, blob); err != nil {
		return a.fail("create", w.path, err)
	}
	size := uint64(w.buf.Len())

	return a.commit(w.ctx, "create", w.inner, func(_ *Archive, cur *treeEntry, now int64) (*treeEntry, error) {
		if cur != nil && cur.isDir() {
			return nil, treesync.Errorf(treesync.CodeEntryAlreadyExists, "create", w.path, "cannot overwrite a folder with a file")
		}
		next := &treeEntry{Kind: kindFile, Mode: uint32(w.mode), Hash: hash, Size: size, Ctime: now, Mtime: now, Metadata: w.metadata}
		if cur != nil && cur.Kind == kindFile {
			next.Ctime = cur.Ctime
			if w.metadata == nil {
				next.Metadata = cur.Metadata
			}
			if w.mode == 0 {
				next.Mode = cur.Mode
			}
		}
		if next.Mode == 0 {
			next.Mode = 0o644
		}
		return next, nil
	})
}

// Mkdir creates the folder p, creating missing parents.
func (a *Archive) Mkdir(ctx context.Context, p string) error {
	return a.mutate(ctx, "mkdir", p, func(_ *Archive, cur *treeEntry, now int64) (*treeEntry, error) {
		if cur != nil {
			return nil, treesync.NewError(treesync.CodeEntryAlreadyExists, "mkdir", p, nil)
		}
		e := newDirEntry("", time.Unix(0, now))
		return &e, nil
	})
}

func (a *Archive) Symlink(ctx context.Context, target, p string) error {
	return a.mutate(ctx, "symlink", p, func(_ *Archive, cur *treeEntry, now int64) (*treeEntry, error) {
		if cur != nil {
			return nil, treesync.NewError(treesync.CodeEntryAlreadyExists, "symlink", p, nil)
		}
		return &treeEntry{Kind: kindSymlink, Mode: uint32(fs.ModeSymlink | 0o777), Linkname: target, Size: uint64(len(target)), Ctime: now, Mtime: now}, nil
	})
}

func (a *Archive) Unlink(ctx context.Context, p string) error {
	return a.mutate(ctx, "unlink", p, func(_ *Archive, cur *treeEntry, _ int64) (*treeEntry, error) {
		if cur == nil {
			return nil, treesync.NewError(treesync.CodeNotFound, "unlink", p, nil)
		}
		if cur.isDir() {
			return nil, treesync.NewError(treesync.CodeNotAFile, "unlink", p, nil)
		}
		return nil, nil
	})
}

// Rmdir removes the folder p. Mount points inside a recursively removed
// folder, or at p itself, are detached; mounted archives are not touched.
func (a *Archive) Rmdir(ctx context.Context, p string, opts treesync.RmdirOptions) error {
	return a.mutate(ctx, "rmdir", p, func(t *Archive, cur *treeEntry, _ int64) (*treeEntry, error) {
		switch {
		case cur == nil:
			return nil, treesync.NewError(treesync.CodeNotFound, "rmdir", p, nil)
		case cur.Kind == kindMount:
			return nil, nil
		case cur.Kind != kindDir:
			return nil, treesync.NewError(treesync.CodeNotAFolder, "rmdir", p, nil)
		}
		if !opts.Recursive {
			children, err := t.readTree(ctx, cur.Hash)
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				return nil, treesync.NewError(treesync.CodeDestDirectoryNotEmpty, "rmdir", p, nil)
			}
		}
		return nil, nil
	})
}

// Mount links the archive described by info at p. Paths below p then
// address that archive, at info.Version or live when the version is 0.
func (a *Archive) Mount(ctx context.Context, p string, info treesync.MountInfo) error {
	if !validKey(info.Key) {
		return treesync.Errorf(treesync.CodeInvalidPath, "mount", p, "invalid archive key %q", info.Key)
	}
	return a.mutate(ctx, "mount", p, func(_ *Archive, cur *treeEntry, now int64) (*treeEntry, error) {
		if cur != nil {
			return nil, treesync.NewError(treesync.CodeEntryAlreadyExists, "mount", p, nil)
		}
		return &treeEntry{Kind: kindMount, Mode: uint32(fs.ModeDir | 0o755), MountKey: info.Key, MountVer: info.Version, Ctime: now, Mtime: now}, nil
	})
}

func (a *Archive) Unmount(ctx context.Context, p string) error {
	return a.mutate(ctx, "unmount", p, func(_ *Archive, cur *treeEntry, _ int64) (*treeEntry, error) {
		if cur == nil {
			return nil, treesync.NewError(treesync.CodeNotFound, "unmount", p, nil)
		}
		if cur.Kind != kindMount {
			return nil, treesync.Errorf(treesync.CodeInvalidPath, "unmount", p, "not a mount point")
		}
		return nil, nil
	})
}

// UpdateMetadata merges md into the metadata of p. Nil values delete keys.
func (a *Archive) UpdateMetadata(ctx context.Context, p string, md treesync.Metadata) error {
	encoded, err := treesync.EncodeMetadata(md)
	if err != nil {
		return err
	}
	deleted := treesync.DeletedKeys(md)
	return a.editMetadata(ctx, "updateMetadata", p, func(cur map[string][]byte) map[string][]byte {
		for _, k := range deleted {
			delete(cur, k)
		}
		for k, v := range encoded {
			cur[k] = v
		}
		return cur
	})
}

func (a *Archive) DeleteMetadata(ctx context.Context, p string, keys ...string) error {
	return a.editMetadata(ctx, "deleteMetadata", p, func(cur map[string][]byte) map[string][]byte {
		for _, k := range keys {
			delete(cur, k)
		}
		return cur
	})
}

func (a *Archive) editMetadata(ctx context.Context, op, p string, fn func(map[string][]byte) map[string][]byte) error {
	return a.mutate(ctx, op, p, func(_ *Archive, cur *treeEntry, now int64) (*treeEntry, error) {
		if cur == nil {
			return nil, treesync.NewError(treesync.CodeNotFound, op, p, nil)
		}
		next := *cur
		md := make(map[string][]byte, len(cur.Metadata))
		for k, v := range cur.Metadata {
			md[k] = v
		}
		if md = fn(md); len(md) == 0 {
			md = nil
		}
		next.Metadata = md
		next.Mtime = now
		return &next, nil
	})
}
