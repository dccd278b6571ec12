// Package localfs exposes a go-billy filesystem as a treesync.Store.
//
// Parents must exist before files, folders or links are created in them
// (ParentFolderDoesntExist otherwise). Mount points and entry metadata are
// not supported.
package localfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync"
)

const tempPrefix = ".treesync-"

// FS is a filesystem-backed store.
type FS struct {
	fs       billy.Filesystem
	readOnly bool
	log      logrus.FieldLogger

	// billy implementations are not required to be safe for concurrent
	// use; namespace operations are serialized here.
	mu sync.RWMutex
}

var _ treesync.Store = (*FS)(nil)

// Option configures an FS.
type Option func(*FS)

// WithLogger sets the logger used for unexpected backend errors.
func WithLogger(l logrus.FieldLogger) Option {
	return func(f *FS) {
		if l != nil {
			f.log = l
		}
	}
}

// ReadOnly rejects every mutation with ArchiveNotWritable.
func ReadOnly() Option {
	return func(f *FS) { f.readOnly = true }
}

// New wraps fsys.
func New(fsys billy.Filesystem, opts ...Option) *FS {
	f := &FS{fs: fsys, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewOS returns a store rooted at dir on the local disk.
func NewOS(dir string, opts ...Option) *FS {
	return New(osfs.New(dir, osfs.WithBoundOS()), opts...)
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *FS {
	return New(memfs.New(), opts...)
}

func (f *FS) Kind() treesync.StoreKind { return treesync.StoreFilesystem }
func (f *FS) Writable() bool           { return !f.readOnly }

// Billy returns the underlying filesystem.
func (f *FS) Billy() billy.Filesystem { return f.fs }

func (f *FS) Stat(_ context.Context, p string) (*treesync.Entry, error) {
	p = treesync.NormalizePath(p)
	f.mu.RLock()
	defer f.mu.RUnlock()

	fi, err := f.fs.Stat(p)
	if err != nil {
		return nil, f.translate("stat", p, err)
	}
	return toEntry(p, fi, ""), nil
}

func (f *FS) Lstat(_ context.Context, p string) (*treesync.Entry, error) {
	p = treesync.NormalizePath(p)
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lstat(p)
}

func (f *FS) lstat(p string) (*treesync.Entry, error) {
	fi, err := f.fs.Lstat(p)
	if err != nil {
		return nil, f.translate("lstat", p, err)
	}
	var link string
	if fi.Mode()&fs.ModeSymlink != 0 {
		if link, err = f.fs.Readlink(p); err != nil {
			return nil, f.translate("readlink", p, err)
		}
	}
	return toEntry(p, fi, link), nil
}

func (f *FS) ReadDir(_ context.Context, p string) ([]string, error) {
	p = treesync.NormalizePath(p)
	f.mu.RLock()
	defer f.mu.RUnlock()

	fi, err := f.fs.Stat(p)
	if err != nil {
		return nil, f.translate("readdir", p, err)
	}
	if !fi.IsDir() {
		return nil, treesync.NewError(treesync.CodeNotAFolder, "readdir", p, nil)
	}
	infos, err := f.fs.ReadDir(p)
	if err != nil {
		return nil, f.translate("readdir", p, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), tempPrefix) {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (f *FS) Open(_ context.Context, p string) (io.ReadCloser, error) {
	p = treesync.NormalizePath(p)
	f.mu.RLock()
	defer f.mu.RUnlock()

	fi, err := f.fs.Stat(p)
	if err != nil {
		return nil, f.translate("open", p, err)
	}
	if fi.IsDir() {
		return nil, treesync.NewError(treesync.CodeNotAFile, "open", p, nil)
	}
	file, err := f.fs.Open(p)
	if err != nil {
		return nil, f.translate("open", p, err)
	}
	return file, nil
}

// Create writes to a temporary sibling and renames it over p on Close.
func (f *FS) Create(_ context.Context, p string, opts treesync.WriteOptions) (io.WriteCloser, error) {
	if err := treesync.ValidateFilePath(p); err != nil {
		return nil, err
	}
	if err := f.checkWritable("create", p); err != nil {
		return nil, err
	}
	p = treesync.NormalizePath(p)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkParent("create", p); err != nil {
		return nil, err
	}
	if fi, err := f.fs.Lstat(p); err == nil && fi.IsDir() {
		return nil, treesync.Errorf(treesync.CodeEntryAlreadyExists, "create", p, "cannot overwrite a folder with a file")
	}

	mode := opts.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}
	tmp := path.Join(path.Dir(p), tempPrefix+uuid.NewString())
	file, err := f.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, f.translate("create", p, err)
	}
	return &atomicWriter{fs: f, file: file, tmp: tmp, target: p}, nil
}

type atomicWriter struct {
	fs     *FS
	file   billy.File
	tmp    string
	target string
	failed bool
}

func (w *atomicWriter) Write(b []byte) (int, error) {
	n, err := w.file.Write(b)
	if err != nil {
		w.failed = true
	}
	return n, err
}

func (w *atomicWriter) Close() error {
	err := w.file.Close()

	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	if err != nil || w.failed {
		_ = w.fs.fs.Remove(w.tmp)
		if err == nil {
			err = io.ErrShortWrite
		}
		return w.fs.translate("write", w.target, err)
	}
	if err := w.fs.fs.Rename(w.tmp, w.target); err != nil {
		_ = w.fs.fs.Remove(w.tmp)
		return w.fs.translate("write", w.target, err)
	}
	return nil
}

func (f *FS) Mkdir(_ context.Context, p string) error {
	if err := treesync.ValidatePath(p); err != nil {
		return err
	}
	if err := f.checkWritable("mkdir", p); err != nil {
		return err
	}
	p = treesync.NormalizePath(p)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.fs.Lstat(p); err == nil {
		return treesync.NewError(treesync.CodeEntryAlreadyExists, "mkdir", p, nil)
	}
	if err := f.checkParent("mkdir", p); err != nil {
		return err
	}
	if err := f.fs.MkdirAll(p, 0o755); err != nil {
		return f.translate("mkdir", p, err)
	}
	return nil
}

func (f *FS) Symlink(_ context.Context, target, p string) error {
	if err := treesync.ValidatePath(p); err != nil {
		return err
	}
	if err := f.checkWritable("symlink", p); err != nil {
		return err
	}
	p = treesync.NormalizePath(p)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.fs.Lstat(p); err == nil {
		return treesync.NewError(treesync.CodeEntryAlreadyExists, "symlink", p, nil)
	}
	if err := f.checkParent("symlink", p); err != nil {
		return err
	}
	if err := f.fs.Symlink(target, p); err != nil {
		return f.translate("symlink", p, err)
	}
	return nil
}

func (f *FS) Unlink(_ context.Context, p string) error {
	if err := f.checkWritable("unlink", p); err != nil {
		return err
	}
	p = treesync.NormalizePath(p)

	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.lstat(p)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return treesync.NewError(treesync.CodeNotAFile, "unlink", p, nil)
	}
	if err := f.fs.Remove(p); err != nil {
		return f.translate("unlink", p, err)
	}
	return nil
}

func (f *FS) Rmdir(_ context.Context, p string, opts treesync.RmdirOptions) error {
	if err := f.checkWritable("rmdir", p); err != nil {
		return err
	}
	p = treesync.NormalizePath(p)
	if p == "/" {
		return treesync.Errorf(treesync.CodeInvalidPath, "rmdir", p, "cannot remove the root folder")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.lstat(p)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return treesync.NewError(treesync.CodeNotAFolder, "rmdir", p, nil)
	}
	if opts.Recursive {
		if err := util.RemoveAll(f.fs, p); err != nil {
			return f.translate("rmdir", p, err)
		}
		return nil
	}
	infos, err := f.fs.ReadDir(p)
	if err != nil {
		return f.translate("rmdir", p, err)
	}
	if len(infos) > 0 {
		return treesync.NewError(treesync.CodeDestDirectoryNotEmpty, "rmdir", p, nil)
	}
	if err := f.fs.Remove(p); err != nil {
		return f.translate("rmdir", p, err)
	}
	return nil
}

func (f *FS) checkWritable(op, p string) error {
	if f.readOnly {
		return treesync.NewError(treesync.CodeArchiveNotWritable, op, p, nil)
	}
	return nil
}

// checkParent requires the parent of p to be an existing folder. The caller
// holds f.mu.
func (f *FS) checkParent(op, p string) error {
	parent := path.Dir(p)
	fi, err := f.fs.Stat(parent)
	if err != nil {
		if treesync.IsCode(f.translate(op, parent, err), treesync.CodeNotFound) {
			return treesync.NewError(treesync.CodeParentFolderDoesntExist, op, p, nil)
		}
		return f.translate(op, parent, err)
	}
	if !fi.IsDir() {
		return treesync.NewError(treesync.CodeNotAFolder, op, parent, nil)
	}
	return nil
}

func toEntry(p string, fi fs.FileInfo, link string) *treesync.Entry {
	e := &treesync.Entry{
		Path:     p,
		Mode:     fi.Mode(),
		Mtime:    fi.ModTime(),
		Ctime:    fi.ModTime(),
		Linkname: link,
	}
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		e.Type = treesync.TypeSymlink
		e.Size = uint64(len(link))
	case fi.IsDir():
		e.Type = treesync.TypeDirectory
	default:
		e.Type = treesync.TypeFile
		e.Size = uint64(fi.Size())
	}
	return e
}
