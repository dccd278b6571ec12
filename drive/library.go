// Package drive implements versioned, content-addressed archives.
//
// An archive is identified by the hex encoding of an ed25519 public key and
// is writable only where its secret key is held. Every mutation commits a new
// root tree and appends it to the archive's version log, so version N is the
// tree after N commits (a fresh archive is at version 1, an empty folder).
// Archives can mount other archives; paths below a mount point address the
// mounted archive.
package drive

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/internal/store"
)

const secretRef = "secret"

// Library holds the archives of one local directory.
type Library struct {
	dir  string
	opts *Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	states map[string]*archiveState
}

type head struct {
	hash    string
	version uint64
}

// archiveState is shared by every handle of one archive.
type archiveState struct {
	key    string
	store  *store.LocalStore
	lock   *flock.Flock
	secret ed25519.PrivateKey

	mu   sync.Mutex
	head atomic.Pointer[head]
}

// OpenLibrary opens (creating if needed) the library stored in dir.
func OpenLibrary(dir string, opts ...Option) (*Library, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	dir = expandPath(dir)
	if err := os.MkdirAll(filepath.Join(dir, "archives"), 0o755); err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "openLibrary", dir, err)
	}
	return &Library{
		dir:    dir,
		opts:   options,
		log:    options.Logger.WithField("library", dir),
		states: make(map[string]*archiveState),
	}, nil
}

func (l *Library) Dir() string { return l.dir }

func (l *Library) archivesDir() string { return filepath.Join(l.dir, "archives") }

// Create generates a key pair and returns a new writable archive at
// version 1.
func (l *Library) Create(ctx context.Context) (*Archive, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "create", "", err)
	}
	key := hex.EncodeToString(pub)

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.newState(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := st.store.PutRef(secretRef, hex.EncodeToString(priv.Seed())); err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "create", key, err)
	}
	st.secret = priv
	if err := st.appendRoot(emptyTreeHash); err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "create", key, err)
	}
	l.states[key] = st

	l.log.WithField("key", key).Debug("archive created")
	return &Archive{lib: l, st: st}, nil
}

// Open returns a live handle to the archive with the given key.
func (l *Library) Open(ctx context.Context, key string) (*Archive, error) {
	st, err := l.state(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Archive{lib: l, st: st}, nil
}

// Checkout returns a read-only handle to version of the archive.
func (l *Library) Checkout(ctx context.Context, key string, version uint64) (*Archive, error) {
	a, err := l.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	return a.Checkout(ctx, version)
}

// List returns the keys of all archives in the library.
func (l *Library) List() ([]string, error) {
	keys, err := store.Namespaces(l.archivesDir())
	if err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "list", l.dir, err)
	}
	keys = slices.DeleteFunc(keys, func(k string) bool { return !validKey(k) })
	slices.Sort(keys)
	return keys, nil
}

// Close releases the archive locks and caches.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for key, st := range l.states {
		errs = append(errs, st.lock.Close(), st.store.Close())
		delete(l.states, key)
	}
	return errors.Join(errs...)
}

func (l *Library) state(ctx context.Context, key string) (*archiveState, error) {
	if !validKey(key) {
		return nil, treesync.Errorf(treesync.CodeNotFound, "open", key, "invalid archive key")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.states[key]; ok {
		return st, nil
	}
	if !store.Exists(l.archivesDir(), key) {
		return nil, treesync.Errorf(treesync.CodeNotFound, "open", key, "archive not in library")
	}
	st, err := l.newState(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := st.loadSecret(); err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "open", key, err)
	}
	if err := st.reload(); err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "open", key, err)
	}
	l.states[key] = st
	return st, nil
}

// newState opens the object store for key. The caller holds l.mu.
func (l *Library) newState(ctx context.Context, key string) (*archiveState, error) {
	s, err := store.NewLocalStore(l.archivesDir(), key, store.Config{
		CacheSize:        l.opts.CacheSize,
		CompressionLevel: l.opts.CompressionLevel,
		Concurrency:      l.opts.Concurrency,
	})
	if err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "open", key, err)
	}
	if _, err := s.Put(ctx, emptyTree); err != nil {
		return nil, treesync.NewError(treesync.CodeUnexpected, "open", key, err)
	}
	return &archiveState{key: key, store: s, lock: flock.New(s.LockPath())}, nil
}

// mounted opens the archive referenced by a mount entry.
func (l *Library) mounted(ctx context.Context, e *treeEntry) (*Archive, error) {
	a, err := l.Open(ctx, e.MountKey)
	if treesync.IsCode(err, treesync.CodeNotFound) {
		return nil, treesync.Errorf(treesync.CodeNotAvailable, "mount", e.Name, "mounted archive %s is not in the library", e.MountKey)
	}
	if err != nil || e.MountVer == 0 {
		return a, err
	}
	return a.Checkout(ctx, e.MountVer)
}

func (st *archiveState) loadSecret() error {
	seed, err := st.store.GetRef(secretRef)
	if errors.Is(err, store.ErrRefNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimSpace(seed))
	if err != nil || len(b) != ed25519.SeedSize {
		return errors.New("corrupt secret key")
	}
	priv := ed25519.NewKeyFromSeed(b)
	if hex.EncodeToString(priv.Public().(ed25519.PublicKey)) != st.key {
		return errors.New("secret key does not match archive key")
	}
	st.secret = priv
	return nil
}

// reload reads the current head from the version log.
func (st *archiveState) reload() error {
	hashes, err := st.store.ReadLog()
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return errors.New("empty version log")
	}
	st.head.Store(&head{hash: hashes[len(hashes)-1], version: uint64(len(hashes))})
	return nil
}

func (st *archiveState) appendRoot(hash string) error {
	v, err := st.store.AppendLog(hash)
	if err != nil {
		return err
	}
	st.head.Store(&head{hash: hash, version: v})
	return nil
}

func validKey(key string) bool {
	b, err := hex.DecodeString(key)
	return err == nil && len(b) == ed25519.PublicKeySize
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
