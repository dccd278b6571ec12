package treesync

import (
	"context"

	"github.com/sirupsen/logrus"
)

// MergeOptions configures Merge. Ops defaults to add and mod, so entries that
// exist only in the destination survive unless OpDel is requested.
type MergeOptions struct {
	DiffOptions
	DryRun bool
}

// Merge diffs the two subtrees and applies the selected changes to the
// destination, in diff order. It returns the change-set it applied (or, with
// DryRun, would have applied).
//
// When a source entry replaces a destination entry of another type, the
// destination entry is removed first even if OpDel was not requested.
func (e *Engine) Merge(ctx context.Context, src Store, srcPath string, dst Store, dstPath string, opts MergeOptions) ([]Change, error) {
	changes, err := e.merge(ctx, src, srcPath, dst, dstPath, opts)
	return changes, e.finish("merge", err)
}

func (e *Engine) merge(ctx context.Context, src Store, srcPath string, dst Store, dstPath string, opts MergeOptions) ([]Change, error) {
	if len(opts.Ops) == 0 {
		opts.Ops = []Op{OpAdd, OpMod}
	}
	d, err := e.newDiffer(src, srcPath, dst, dstPath, opts.DiffOptions)
	if err != nil {
		return nil, err
	}
	changes, err := d.run(ctx)
	if err != nil || opts.DryRun {
		return changes, err
	}

	if !dst.Writable() {
		return nil, NewError(CodeArchiveNotWritable, "merge", d.dstRoot, nil)
	}
	if len(changes) == 0 {
		return changes, nil
	}
	if err := MkdirAll(ctx, dst, d.dstRoot); err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{"op": "merge", "src": d.srcRoot, "dst": d.dstRoot})
	for _, c := range changes {
		if err := e.applyChange(ctx, src, JoinPath(d.srcRoot, c.Path), dst, JoinPath(d.dstRoot, c.Path), c, opts.Shallow); err != nil {
			return nil, err
		}
		log.WithField("change", c.String()).Debug("applied")
	}
	return changes, nil
}

func (e *Engine) applyChange(ctx context.Context, src Store, srcPath string, dst Store, dstPath string, c Change, shallow bool) error {
	existing, err := lstatOptional(ctx, dst, dstPath)
	if err != nil {
		return err
	}

	if c.Op == OpDel {
		if existing == nil {
			return nil
		}
		if err := removeEntry(ctx, dst, dstPath, existing); err != nil && !IsCode(err, CodeNotFound) {
			return err
		}
		e.opts.Metrics.entry("remove", existing.Type)
		return nil
	}

	st, err := src.Lstat(ctx, srcPath)
	if err != nil {
		return err
	}
	if existing != nil && (changeTypeOf(existing) != changeTypeOf(st) || existing.IsMount() != st.IsMount()) {
		if err := removeEntry(ctx, dst, dstPath, existing); err != nil {
			return err
		}
		existing = nil
	}

	if st.IsDir() && !st.IsMount() && !shallow {
		// children carry their own records
		if existing == nil {
			return MkdirAll(ctx, dst, dstPath)
		}
		return nil
	}
	return e.copy(ctx, src, srcPath, dst, dstPath)
}

// removeEntry deletes the entry at p: mount points are unmounted, folders are
// removed recursively and everything else is unlinked.
func removeEntry(ctx context.Context, s Store, p string, st *Entry) error {
	switch {
	case st.IsMount():
		return Unmount(ctx, s, p)
	case st.IsDir():
		return s.Rmdir(ctx, p, RmdirOptions{Recursive: true})
	default:
		return s.Unlink(ctx, p)
	}
}
