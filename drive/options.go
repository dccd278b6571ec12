package drive

import (
	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync/internal/compression"
	"github.com/aweris/treesync/internal/remote"
	"github.com/aweris/treesync/internal/store"
)

// Authenticator provides credentials for remote registries.
type Authenticator = remote.Authenticator

// StaticAuth returns an Authenticator using fixed registry credentials.
func StaticAuth(username, password string) Authenticator {
	return remote.StaticAuthenticator{Username: username, Password: password}
}

// Options configures a Library.
type Options struct {
	CacheSize        int
	CompressionLevel int
	Concurrency      int
	Auth             Authenticator
	Logger           logrus.FieldLogger
}

// Option is a functional option for OpenLibrary.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CacheSize:        store.DefaultCacheSize,
		CompressionLevel: compression.LevelDefault,
		Concurrency:      remote.DefaultConcurrency,
		Auth:             remote.NewDefaultAuthenticator(),
		Logger:           logrus.StandardLogger(),
	}
}

// WithCacheSize sets how many decoded objects each archive keeps in memory.
func WithCacheSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.CacheSize = n
		}
	}
}

// WithCompressionLevel sets the zstd level for stored objects (0 disables).
func WithCompressionLevel(level int) Option {
	return func(o *Options) { o.CompressionLevel = level }
}

// WithConcurrency sets the number of parallel operations for push/pull.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithAuth sets custom registry authentication.
func WithAuth(auth Authenticator) Option {
	return func(o *Options) { o.Auth = auth }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
