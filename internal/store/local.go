package store

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/treesync/internal/compression"
)

// DefaultConcurrency bounds GetMulti and PutMulti.
const DefaultConcurrency = 4

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	basePath    string
	namespace   string
	cache       Cache
	codec       *compression.Codec
	concurrency int

	logMu sync.Mutex
}

var _ Store = (*LocalStore)(nil)

// Config configures a LocalStore.
type Config struct {
	CacheSize        int
	CompressionLevel int
	Concurrency      int
}

func NewLocalStore(basePath, namespace string, cfg Config) (*LocalStore, error) {
	nsPath := filepath.Join(basePath, namespace)

	for _, dir := range []string{filepath.Join(nsPath, "objects"), filepath.Join(nsPath, "refs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	codec, err := compression.New(cfg.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	cache, err := NewLRUCache(cfg.CacheSize)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &LocalStore{
		basePath:    nsPath,
		namespace:   namespace,
		cache:       cache,
		codec:       codec,
		concurrency: cfg.Concurrency,
	}, nil
}

// Exists reports whether namespace has been created under basePath.
func Exists(basePath, namespace string) bool {
	fi, err := os.Stat(filepath.Join(basePath, namespace, "objects"))
	return err == nil && fi.IsDir()
}

// Namespaces lists the namespaces under basePath.
func Namespaces(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && Exists(basePath, e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *LocalStore) Namespace() string { return s.namespace }

func (s *LocalStore) Close() error {
	s.codec.Close()
	return nil
}

// Get retrieves an object by hash.
func (s *LocalStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if data, ok := s.cache.Get(hash); ok {
		return data, nil
	}

	raw, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, hash)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	data, err := s.codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress object %s: %w", hash, err)
	}

	s.cache.Add(hash, data)
	return data, nil
}

// Put stores an object and returns its hash.
func (s *LocalStore) Put(ctx context.Context, data []byte) (string, error) {
	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])
	if err := s.put(hash, data); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *LocalStore) put(hash string, data []byte) error {
	path := s.objectPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := writeAtomic(path, s.codec.Encode(data)); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}

	s.cache.Add(hash, data)
	return nil
}

// Has checks if an object exists.
func (s *LocalStore) Has(ctx context.Context, hash string) (bool, error) {
	if s.cache.Has(hash) {
		return true, nil
	}
	_, err := os.Stat(s.objectPath(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) GetMulti(ctx context.Context, hashes []string) (map[string][]byte, error) {
	var mu sync.Mutex
	result := make(map[string][]byte, len(hashes))

	p := pool.New().WithMaxGoroutines(s.concurrency).WithContext(ctx).WithCancelOnError()
	for _, hash := range hashes {
		p.Go(func(ctx context.Context) error {
			data, err := s.Get(ctx, hash)
			if errors.Is(err, ErrObjectNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			result[hash] = data
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LocalStore) PutMulti(ctx context.Context, objects map[string][]byte) error {
	p := pool.New().WithMaxGoroutines(s.concurrency).WithContext(ctx).WithCancelOnError()
	for hash, data := range objects {
		p.Go(func(ctx context.Context) error {
			h := sha256.Sum256(data)
			if got := hex.EncodeToString(h[:]); got != hash {
				return fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, hash, got)
			}
			return s.put(hash, data)
		})
	}
	return p.Wait()
}

func (s *LocalStore) GetRef(name string) (string, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s:%s", ErrRefNotFound, s.namespace, name)
		}
		return "", err
	}
	return string(data), nil
}

func (s *LocalStore) PutRef(name, value string) error {
	return writeAtomic(s.refPath(name), []byte(value))
}

func (s *LocalStore) ReadLog() ([]string, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.readLog()
}

func (s *LocalStore) readLog() ([]string, error) {
	data, err := os.ReadFile(s.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	var hashes []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, sc.Err()
}

func (s *LocalStore) AppendLog(hash string) (uint64, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	hashes, err := s.readLog()
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open log: %w", err)
	}
	if _, err := f.WriteString(hash + "\n"); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to append log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to sync log: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return uint64(len(hashes) + 1), nil
}

func (s *LocalStore) WriteLog(hashes []string) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	var buf bytes.Buffer
	for _, h := range hashes {
		buf.WriteString(h)
		buf.WriteByte('\n')
	}
	return writeAtomic(s.logPath(), buf.Bytes())
}

func (s *LocalStore) LockPath() string { return filepath.Join(s.basePath, "lock") }

// Evict removes an object from cache.
func (s *LocalStore) Evict(hash string) {
	s.cache.Remove(hash)
}

// Clear clears the cache.
func (s *LocalStore) Clear() {
	s.cache.Clear()
}

// objectPath shards objects git-style: objects/ab/cd123...
func (s *LocalStore) objectPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.basePath, "objects", hash)
	}
	return filepath.Join(s.basePath, "objects", hash[:2], hash[2:])
}

func (s *LocalStore) refPath(name string) string {
	return filepath.Join(s.basePath, "refs", name)
}

func (s *LocalStore) logPath() string {
	return filepath.Join(s.basePath, "log")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
