package drive

import (
	"context"
	"errors"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/internal/store"
)

// editFunc computes the new entry at a path from the current one (nil when
// missing). Returning nil removes the entry. t is the archive being edited.
type editFunc func(t *Archive, cur *treeEntry, now int64) (*treeEntry, error)

// resolve locates p, entering mounted archives for every mount point above
// p (and at p itself with followLast). It returns the archive holding the
// entry, the entry's path inside it and the entry, nil when missing.
func (a *Archive) resolve(ctx context.Context, p string, followLast bool) (*Archive, string, *treeEntry, error) {
	target, inner := a, p
	for range maxMountDepth {
		e, mount, rest, err := target.walk(ctx, inner)
		if err != nil {
			return nil, "", nil, err
		}
		switch {
		case mount != nil:
			inner = rest
		case followLast && e != nil && e.Kind == kindMount:
			mount, inner = e, "/"
		default:
			return target, inner, e, nil
		}
		if target, err = a.lib.mounted(ctx, mount); err != nil {
			return nil, "", nil, err
		}
	}
	return nil, "", nil, treesync.Errorf(treesync.CodeInvalidPath, "resolve", p, "too many nested mounts")
}

// walk looks p up in this archive's tree. It stops at a mount point with
// components left below it and returns the mount entry and the remainder.
func (a *Archive) walk(ctx context.Context, p string) (entry, mount *treeEntry, rest string, err error) {
	cur := rootEntry(a.root().hash)
	parts := treesync.SplitPath(p)
	for i, name := range parts {
		switch cur.Kind {
		case kindMount:
			return nil, cur, "/" + strings.Join(parts[i:], "/"), nil
		case kindDir:
		default:
			return nil, nil, "", treesync.NewError(treesync.CodeNotAFolder, "resolve", "/"+strings.Join(parts[:i], "/"), nil)
		}
		entries, err := a.readTree(ctx, cur.Hash)
		if err != nil {
			return nil, nil, "", a.fail("resolve", p, err)
		}
		j, ok := findEntry(entries, name)
		if !ok {
			return nil, nil, "", nil
		}
		cur = &entries[j]
	}
	return cur, nil, "", nil
}

// resolveWritable resolves p for a mutation and checks that the archive
// holding it accepts writes.
func (a *Archive) resolveWritable(ctx context.Context, op, p string) (*Archive, string, *treeEntry, error) {
	if !a.Writable() {
		return nil, "", nil, treesync.NewError(treesync.CodeArchiveNotWritable, op, p, nil)
	}
	if p == "/" {
		return nil, "", nil, treesync.Errorf(treesync.CodeInvalidPath, op, p, "cannot modify the root folder")
	}
	target, inner, e, err := a.resolve(ctx, p, false)
	if err != nil {
		return nil, "", nil, err
	}
	if !target.Writable() {
		return nil, "", nil, treesync.Errorf(treesync.CodeArchiveNotWritable, op, p, "mounted archive %s is not writable", target.st.key)
	}
	return target, inner, e, nil
}

// mutate applies fn to the entry at p in whichever archive holds it.
func (a *Archive) mutate(ctx context.Context, op, p string, fn editFunc) error {
	if err := treesync.ValidatePath(p); err != nil {
		return err
	}
	p = treesync.NormalizePath(p)
	target, inner, _, err := a.resolveWritable(ctx, op, p)
	if err != nil {
		return err
	}
	return target.commit(ctx, op, inner, fn)
}

// commit rewrites the tree from the latest root under the archive locks and
// appends the new root to the version log.
func (a *Archive) commit(ctx context.Context, op, p string, fn editFunc) error {
	st := a.st
	st.mu.Lock()
	defer st.mu.Unlock()

	if ok, err := st.lock.TryLockContext(ctx, lockRetry); !ok || err != nil {
		if err == nil {
			err = ctx.Err()
		}
		return treesync.NewError(treesync.CodeUnexpected, op, p, err)
	}
	defer func() {
		if err := st.lock.Unlock(); err != nil {
			a.logger().WithError(err).Warn("failed to release archive lock")
		}
	}()

	// another process may have committed since the head was read
	if err := st.reload(); err != nil {
		return a.fail(op, p, err)
	}
	cur := st.head.Load()

	root, err := a.rewrite(ctx, cur.hash, "/", treesync.SplitPath(p), time.Now().UnixNano(), fn)
	if err != nil {
		return a.fail(op, p, err)
	}
	if root == cur.hash {
		return nil
	}
	if err := st.appendRoot(root); err != nil {
		return a.fail(op, p, err)
	}
	a.logger().WithFields(logrus.Fields{"op": op, "path": p, "version": cur.version + 1}).Debug("committed")
	return nil
}

// rewrite applies fn at parts below the tree treeHash (located at dir) and
// returns the hash of the rewritten tree. Missing folders are created.
func (a *Archive) rewrite(ctx context.Context, treeHash, dir string, parts []string, now int64, fn editFunc) (string, error) {
	entries, err := a.readTree(ctx, treeHash)
	if err != nil {
		return "", err
	}
	name := parts[0]
	i, found := findEntry(entries, name)

	if len(parts) == 1 {
		var cur *treeEntry
		if found {
			c := entries[i]
			cur = &c
		}
		next, err := fn(a, cur, now)
		if err != nil {
			return "", err
		}
		switch {
		case next == nil && !found:
			return treeHash, nil
		case next == nil:
			entries = slices.Delete(entries, i, i+1)
		case found:
			next.Name = name
			entries[i] = *next
		default:
			next.Name = name
			entries = slices.Insert(entries, i, *next)
		}
		return a.writeTree(ctx, entries)
	}

	childPath := path.Join(dir, name)
	var child treeEntry
	if found {
		child = entries[i]
		if child.Kind != kindDir {
			return "", treesync.NewError(treesync.CodeNotAFolder, "write", childPath, nil)
		}
	} else {
		child = newDirEntry(name, time.Unix(0, now))
	}
	hash, err := a.rewrite(ctx, child.Hash, childPath, parts[1:], now, fn)
	if err != nil {
		return "", err
	}
	if found && hash == child.Hash {
		return treeHash, nil
	}
	child.Hash = hash
	child.Mtime = now
	if found {
		entries[i] = child
	} else {
		entries = slices.Insert(entries, i, child)
	}
	return a.writeTree(ctx, entries)
}

func (a *Archive) readTree(ctx context.Context, hash string) ([]treeEntry, error) {
	if hash == emptyTreeHash {
		return nil, nil
	}
	data, err := a.st.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return decodeTree(data)
}

func (a *Archive) writeTree(ctx context.Context, entries []treeEntry) (string, error) {
	hash, data, err := encodeTree(entries)
	if err != nil {
		return "", err
	}
	if _, err := a.st.store.Put(ctx, data); err != nil {
		return "", err
	}
	return hash, nil
}

func (a *Archive) readBlob(ctx context.Context, hash string) ([]byte, error) {
	data, err := a.st.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return decodeBlob(data)
}

// fail converts an internal error into a treesync error. Errors that already
// carry a code pass through.
func (a *Archive) fail(op, p string, err error) error {
	var te *treesync.Error
	switch {
	case errors.As(err, &te):
		return err
	case errors.Is(err, store.ErrObjectNotFound):
		return treesync.NewError(treesync.CodeNotAvailable, op, p, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		a.logger().WithFields(logrus.Fields{"op": op, "path": p}).WithError(err).Error("unexpected archive error")
		return treesync.NewError(treesync.CodeUnexpected, op, p, err)
	}
}

func parentOf(p string) string {
	return path.Dir(treesync.NormalizePath(p))
}
