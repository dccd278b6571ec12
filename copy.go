package treesync

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Copy copies the entry at srcPath in src to dstPath in dst.
//
// Directories are copied recursively, files are streamed with their metadata,
// symlinks are re-created as links and mount points are re-mounted rather than
// copied by value. Missing destination parents are created. Copying a file
// onto a folder, or a folder onto a file, fails with EntryAlreadyExists. The
// first failing child aborts the copy; children already copied stay in place.
func (e *Engine) Copy(ctx context.Context, src Store, srcPath string, dst Store, dstPath string) error {
	return e.finish("copy", e.copy(ctx, src, srcPath, dst, dstPath))
}

func (e *Engine) copy(ctx context.Context, src Store, srcPath string, dst Store, dstPath string) error {
	if err := ValidatePath(srcPath); err != nil {
		return err
	}
	if err := ValidatePath(dstPath); err != nil {
		return err
	}
	srcPath, dstPath = NormalizePath(srcPath), NormalizePath(dstPath)

	if !dst.Writable() {
		return NewError(CodeArchiveNotWritable, "copy", dstPath, nil)
	}
	if sameStore(src, dst) && isWithin(dstPath, srcPath) {
		return Errorf(CodeInvalidPath, "copy", dstPath, "cannot copy a folder into itself")
	}

	st, err := src.Lstat(ctx, srcPath)
	if err != nil {
		return err
	}
	if dstPath != "/" {
		if err := MkdirAll(ctx, dst, parentPath(dstPath)); err != nil {
			return err
		}
	}

	c := &copier{
		e:   e,
		src: src,
		dst: dst,
		log: e.log.WithFields(logrus.Fields{"op": "copy", "src": srcPath, "dst": dstPath}),
	}
	return c.copyEntry(ctx, srcPath, st, dstPath)
}

type copier struct {
	e        *Engine
	src, dst Store
	log      logrus.FieldLogger
}

func (c *copier) copyEntry(ctx context.Context, srcPath string, st *Entry, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing, err := lstatOptional(ctx, c.dst, dstPath)
	if err != nil {
		return err
	}
	switch {
	case st.IsMount():
		return c.copyMount(ctx, st, dstPath, existing)
	case st.IsSymlink():
		return c.copySymlink(ctx, st, dstPath, existing)
	case st.IsDir():
		return c.copyDir(ctx, srcPath, dstPath, existing)
	default:
		return c.copyFile(ctx, srcPath, st, dstPath, existing)
	}
}

func (c *copier) copyMount(ctx context.Context, st *Entry, dstPath string, existing *Entry) error {
	m, ok := c.dst.(Mounter)
	if !ok {
		return Errorf(CodeNotSupported, "copy", dstPath, "destination store can not hold mount points")
	}
	if existing != nil {
		if !existing.IsMount() {
			return Errorf(CodeEntryAlreadyExists, "copy", dstPath, "cannot mount over an existing entry")
		}
		if err := m.Unmount(ctx, dstPath); err != nil {
			return err
		}
	}
	if err := m.Mount(ctx, dstPath, *st.Mount); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"path": dstPath, "key": st.Mount.Key}).Debug("mounted")
	c.e.opts.Metrics.entry("copy", TypeDirectory)
	return nil
}

func (c *copier) copySymlink(ctx context.Context, st *Entry, dstPath string, existing *Entry) error {
	if existing != nil {
		if existing.IsDir() {
			return Errorf(CodeEntryAlreadyExists, "copy", dstPath, "cannot overwrite a folder with a link")
		}
		if err := c.dst.Unlink(ctx, dstPath); err != nil {
			return err
		}
	}
	if err := c.dst.Symlink(ctx, st.Linkname, dstPath); err != nil {
		return err
	}
	c.e.opts.Metrics.entry("copy", TypeSymlink)
	return nil
}

func (c *copier) copyFile(ctx context.Context, srcPath string, st *Entry, dstPath string, existing *Entry) error {
	if existing != nil {
		if existing.IsDir() {
			return Errorf(CodeEntryAlreadyExists, "copy", dstPath, "cannot overwrite a folder with a file")
		}
		if existing.IsSymlink() {
			if err := c.dst.Unlink(ctx, dstPath); err != nil {
				return err
			}
		}
	}

	opts := WriteOptions{Mode: st.Mode.Perm()}
	if _, ok := c.dst.(MetadataStore); ok {
		opts.Metadata = st.Metadata
		if opts.Metadata == nil {
			opts.Metadata = Metadata{}
		}
	}

	r, err := c.src.Open(ctx, srcPath)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := c.dst.Create(ctx, dstPath, opts)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return NewError(CodeUnexpected, "copy", dstPath, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	c.e.opts.Metrics.entry("copy", TypeFile)
	c.e.opts.Metrics.bytes(n)
	return nil
}

func (c *copier) copyDir(ctx context.Context, srcPath, dstPath string, existing *Entry) error {
	if existing != nil {
		if !existing.IsDir() {
			return Errorf(CodeEntryAlreadyExists, "copy", dstPath, "cannot overwrite a file with a folder")
		}
	} else {
		if err := c.dst.Mkdir(ctx, dstPath); err != nil {
			return err
		}
		c.e.opts.Metrics.entry("copy", TypeDirectory)
	}

	names, err := c.src.ReadDir(ctx, srcPath)
	if err != nil {
		return err
	}
	return c.e.fanOut(ctx, len(names), func(ctx context.Context, i int) error {
		childSrc := JoinPath(srcPath, names[i])
		st, err := c.src.Lstat(ctx, childSrc)
		if err != nil {
			return err
		}
		return c.copyEntry(ctx, childSrc, st, JoinPath(dstPath, names[i]))
	})
}
