// Package store implements the local object storage behind archives.
//
// Each namespace (one per archive) holds content-addressed objects, a few
// named refs and an append-only version log:
//
//	basePath/namespace/
//	  objects/ab/cd123...  (zstd-compressed, sha256 of the raw object)
//	  refs/<name>
//	  log                  (one root hash per line, line N is version N)
//	  lock
package store

import (
	"context"
	"errors"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrRefNotFound    = errors.New("ref not found")
	ErrHashMismatch   = errors.New("object hash mismatch")
)

// Store handles local object storage for one namespace.
type Store interface {
	// Get retrieves an object by hash.
	Get(ctx context.Context, hash string) ([]byte, error)

	// Put stores an object and returns its hash.
	Put(ctx context.Context, data []byte) (hash string, err error)

	// Has checks if an object exists.
	Has(ctx context.Context, hash string) (bool, error)

	// GetMulti retrieves multiple objects. Missing objects are omitted.
	GetMulti(ctx context.Context, hashes []string) (map[string][]byte, error)

	// PutMulti stores objects keyed by their hash, verifying each one.
	PutMulti(ctx context.Context, objects map[string][]byte) error

	GetRef(name string) (string, error)
	PutRef(name, value string) error

	// ReadLog returns the root hash of every version, oldest first.
	ReadLog() ([]string, error)

	// AppendLog records a new root and returns its version number.
	AppendLog(hash string) (uint64, error)

	// WriteLog replaces the version log.
	WriteLog(hashes []string) error

	// LockPath is the file used for cross-process writer locking.
	LockPath() string

	// Evict removes an object from cache (not from disk).
	Evict(hash string)

	// Clear clears the in-memory cache.
	Clear()
}
