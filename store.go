package treesync

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// StoreKind tags which backend a Store is. It is fixed at construction.
type StoreKind int

const (
	StoreFilesystem StoreKind = iota + 1
	StoreArchive
)

func (k StoreKind) String() string {
	switch k {
	case StoreFilesystem:
		return "filesystem"
	case StoreArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// EntryType is the structural type of an entry. Mount points are directories
// with Entry.Mount set.
type EntryType int

const (
	TypeFile EntryType = iota + 1
	TypeDirectory
	TypeSymlink
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// MountInfo links a mount point to another archive. Version 0 follows the
// latest version of the mounted archive.
type MountInfo struct {
	Key     string `json:"key" yaml:"key"`
	Version uint64 `json:"version,omitempty" yaml:"version,omitempty"`
}

// Entry is the result of a stat.
type Entry struct {
	Path     string      `json:"path" yaml:"path"`
	Type     EntryType   `json:"type" yaml:"type"`
	Size     uint64      `json:"size" yaml:"size"`
	Mode     fs.FileMode `json:"mode" yaml:"mode"`
	Ctime    time.Time   `json:"ctime" yaml:"ctime"`
	Mtime    time.Time   `json:"mtime" yaml:"mtime"`
	Metadata Metadata    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Mount    *MountInfo  `json:"mount,omitempty" yaml:"mount,omitempty"`
	// Linkname is only populated by Lstat.
	Linkname string `json:"linkname,omitempty" yaml:"linkname,omitempty"`
}

func (e *Entry) IsFile() bool    { return e.Type == TypeFile }
func (e *Entry) IsDir() bool     { return e.Type == TypeDirectory }
func (e *Entry) IsSymlink() bool { return e.Type == TypeSymlink }
func (e *Entry) IsMount() bool   { return e.Mount != nil }

// WriteOptions configures Create.
type WriteOptions struct {
	// Metadata replaces the entry's metadata when non-nil. A nil map keeps
	// whatever metadata the entry already had.
	Metadata Metadata
	Mode     fs.FileMode
}

// RmdirOptions configures Rmdir.
type RmdirOptions struct {
	Recursive bool
}

// Store is the capability surface every backend provides. Paths are
// slash-separated and rooted at the store root.
type Store interface {
	Kind() StoreKind
	Writable() bool

	Stat(ctx context.Context, path string) (*Entry, error)
	Lstat(ctx context.Context, path string) (*Entry, error)
	ReadDir(ctx context.Context, path string) ([]string, error)

	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Create returns a sink whose content is committed on Close.
	Create(ctx context.Context, path string, opts WriteOptions) (io.WriteCloser, error)

	Mkdir(ctx context.Context, path string) error
	Symlink(ctx context.Context, target, path string) error
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string, opts RmdirOptions) error
}

// Mounter is implemented by stores that can link other archives into their tree.
type Mounter interface {
	Mount(ctx context.Context, path string, info MountInfo) error
	Unmount(ctx context.Context, path string) error
}

// MetadataStore is implemented by stores that keep per-entry metadata.
type MetadataStore interface {
	UpdateMetadata(ctx context.Context, path string, md Metadata) error
	DeleteMetadata(ctx context.Context, path string, keys ...string) error
}

// Versioned is implemented by archive handles.
type Versioned interface {
	Key() string
	Version() uint64
}

// Digester is implemented by stores that can report a content hash for a
// file without streaming it.
type Digester interface {
	Digest(ctx context.Context, path string) (string, error)
}

// Mount links info at path on s, failing with NotSupported when s has no
// mount support.
func Mount(ctx context.Context, s Store, path string, info MountInfo) error {
	m, ok := s.(Mounter)
	if !ok {
		return NewError(CodeNotSupported, "mount", path, nil)
	}
	return m.Mount(ctx, path, info)
}

// Unmount removes the mount point at path.
func Unmount(ctx context.Context, s Store, path string) error {
	m, ok := s.(Mounter)
	if !ok {
		return NewError(CodeNotSupported, "unmount", path, nil)
	}
	return m.Unmount(ctx, path)
}

// UpdateMetadata merges md into the entry's metadata. Nil values delete keys.
func UpdateMetadata(ctx context.Context, s Store, path string, md Metadata) error {
	m, ok := s.(MetadataStore)
	if !ok {
		return NewError(CodeNotSupported, "updateMetadata", path, nil)
	}
	return m.UpdateMetadata(ctx, path, md)
}

// DeleteMetadata removes keys from the entry's metadata.
func DeleteMetadata(ctx context.Context, s Store, path string, keys ...string) error {
	m, ok := s.(MetadataStore)
	if !ok {
		return NewError(CodeNotSupported, "deleteMetadata", path, nil)
	}
	return m.DeleteMetadata(ctx, path, keys...)
}

// sameStore reports whether a and b address the same underlying tree.
// Archive handles compare by key so checkouts of one archive are the same store.
func sameStore(a, b Store) bool {
	va, okA := a.(Versioned)
	vb, okB := b.(Versioned)
	if okA && okB {
		return va.Key() == vb.Key()
	}
	return a == b
}

// ReadFile reads a whole file.
func ReadFile(ctx context.Context, s Store, path string) ([]byte, error) {
	rc, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, NewError(CodeUnexpected, "readFile", path, err)
	}
	return data, nil
}

// WriteFile writes data to path, replacing existing content.
func WriteFile(ctx context.Context, s Store, path string, data []byte, opts WriteOptions) error {
	w, err := s.Create(ctx, path, opts)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return NewError(CodeUnexpected, "writeFile", path, err)
	}
	return w.Close()
}

// MkdirAll creates path and any missing parents.
func MkdirAll(ctx context.Context, s Store, path string) error {
	path = NormalizePath(path)
	if path == "/" {
		return nil
	}
	st, err := s.Stat(ctx, path)
	if err == nil {
		if !st.IsDir() {
			return NewError(CodeNotAFolder, "mkdirAll", path, nil)
		}
		return nil
	}
	if !IsCode(err, CodeNotFound) {
		return err
	}
	if err := MkdirAll(ctx, s, parentPath(path)); err != nil {
		return err
	}
	if err := s.Mkdir(ctx, path); err != nil && !IsCode(err, CodeEntryAlreadyExists) {
		return err
	}
	return nil
}
