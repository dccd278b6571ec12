package treesync

import (
	"context"
	"io"
)

// dryRun wraps s so that reads pass through and every mutation succeeds
// without touching the store.
func dryRun(s Store) Store {
	if _, ok := s.(Mounter); ok {
		return &dryRunMountStore{dryRunStore{s}}
	}
	return &dryRunStore{s}
}

type dryRunStore struct {
	Store
}

func (d *dryRunStore) Writable() bool { return true }

func (d *dryRunStore) Create(context.Context, string, WriteOptions) (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}

func (d *dryRunStore) Mkdir(context.Context, string) error                { return nil }
func (d *dryRunStore) Symlink(context.Context, string, string) error      { return nil }
func (d *dryRunStore) Unlink(context.Context, string) error               { return nil }
func (d *dryRunStore) Rmdir(context.Context, string, RmdirOptions) error { return nil }

type dryRunMountStore struct {
	dryRunStore
}

func (d *dryRunMountStore) Mount(context.Context, string, MountInfo) error { return nil }
func (d *dryRunMountStore) Unmount(context.Context, string) error          { return nil }

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
