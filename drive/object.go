package drive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aweris/treesync"
)

type entryKind uint8

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
	kindMount
)

// treeEntry is one child of a tree object.
type treeEntry struct {
	Name     string            `msgpack:"n"`
	Kind     entryKind         `msgpack:"k"`
	Mode     uint32            `msgpack:"m"`
	Hash     string            `msgpack:"h,omitempty"`
	Size     uint64            `msgpack:"s,omitempty"`
	Ctime    int64             `msgpack:"c"`
	Mtime    int64             `msgpack:"t"`
	Metadata map[string][]byte `msgpack:"md,omitempty"`
	Linkname string            `msgpack:"l,omitempty"`
	MountKey string            `msgpack:"mk,omitempty"`
	MountVer uint64            `msgpack:"mv,omitempty"`
}

func (e *treeEntry) isDir() bool { return e.Kind == kindDir || e.Kind == kindMount }

func (e *treeEntry) toEntry(p string) *treesync.Entry {
	out := &treesync.Entry{
		Path:     p,
		Size:     e.Size,
		Mode:     fs.FileMode(e.Mode),
		Ctime:    time.Unix(0, e.Ctime),
		Mtime:    time.Unix(0, e.Mtime),
		Metadata: treesync.DecodeMetadata(e.Metadata),
		Linkname: e.Linkname,
	}
	switch e.Kind {
	case kindDir:
		out.Type = treesync.TypeDirectory
	case kindMount:
		out.Type = treesync.TypeDirectory
		out.Mount = &treesync.MountInfo{Key: e.MountKey, Version: e.MountVer}
	case kindSymlink:
		out.Type = treesync.TypeSymlink
	default:
		out.Type = treesync.TypeFile
	}
	return out
}

func newDirEntry(name string, now time.Time) treeEntry {
	return treeEntry{Name: name, Kind: kindDir, Mode: uint32(fs.ModeDir | 0o755), Hash: emptyTreeHash, Ctime: now.UnixNano(), Mtime: now.UnixNano()}
}

// rootEntry describes the root folder of a tree.
func rootEntry(hash string) *treeEntry {
	return &treeEntry{Kind: kindDir, Mode: uint32(fs.ModeDir | 0o755), Hash: hash}
}

// encodeBlob encodes file content as a blob object.
// Format: "blob {size}\0{content}" → SHA256
func encodeBlob(content []byte) (hash string, encoded []byte) {
	header := "blob " + strconv.Itoa(len(content)) + "\x00"
	buf := make([]byte, len(header)+len(content))
	copy(buf, header)
	copy(buf[len(header):], content)
	return hashOf(buf), buf
}

// encodeTree encodes entries, sorted by name, as a tree object.
// Format: "tree {size}\0{msgpack entries}"
func encodeTree(entries []treeEntry) (hash string, encoded []byte, err error) {
	entries = slices.Clone(entries)
	slices.SortFunc(entries, func(a, b treeEntry) int { return strings.Compare(a.Name, b.Name) })
	if entries == nil {
		entries = []treeEntry{}
	}

	body, err := msgpack.Marshal(entries)
	if err != nil {
		return "", nil, fmt.Errorf("encode tree: %w", err)
	}
	header := "tree " + strconv.Itoa(len(body)) + "\x00"
	buf := make([]byte, len(header)+len(body))
	copy(buf, header)
	copy(buf[len(header):], body)
	return hashOf(buf), buf, nil
}

// decodeObject splits an object into its type and payload.
func decodeObject(data []byte) (kind string, body []byte, err error) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return "", nil, fmt.Errorf("invalid object: missing null terminator")
	}
	header := string(data[:idx])
	kind, size, ok := strings.Cut(header, " ")
	if !ok {
		return "", nil, fmt.Errorf("invalid object header %q", header)
	}
	body = data[idx+1:]
	if n, err := strconv.Atoi(size); err != nil || n != len(body) {
		return "", nil, fmt.Errorf("invalid object size in header %q", header)
	}
	return kind, body, nil
}

func decodeBlob(data []byte) ([]byte, error) {
	kind, body, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	if kind != "blob" {
		return nil, fmt.Errorf("expected blob, got %s", kind)
	}
	return body, nil
}

func decodeTree(data []byte) ([]treeEntry, error) {
	kind, body, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	if kind != "tree" {
		return nil, fmt.Errorf("expected tree, got %s", kind)
	}
	var entries []treeEntry
	if err := msgpack.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return entries, nil
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

var emptyTreeHash, emptyTree = func() (string, []byte) {
	h, b, err := encodeTree(nil)
	if err != nil {
		panic(err)
	}
	return h, b
}()

// findEntry returns the index of name in entries sorted by name.
func findEntry(entries []treeEntry, name string) (int, bool) {
	return slices.BinarySearchFunc(entries, name, func(e treeEntry, n string) int { return strings.Compare(e.Name, n) })
}
