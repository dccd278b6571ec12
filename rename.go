package treesync

import (
	"context"
)

// Rename moves srcPath in src to dstPath in dst by copying and then removing
// the source. Mount points are unmounted rather than emptied. The move is not
// atomic: a failure after the copy leaves both entries in place.
func (e *Engine) Rename(ctx context.Context, src Store, srcPath string, dst Store, dstPath string) error {
	return e.finish("rename", e.rename(ctx, src, srcPath, dst, dstPath))
}

func (e *Engine) rename(ctx context.Context, src Store, srcPath string, dst Store, dstPath string) error {
	if err := ValidatePath(srcPath); err != nil {
		return err
	}
	if err := ValidatePath(dstPath); err != nil {
		return err
	}
	srcPath, dstPath = NormalizePath(srcPath), NormalizePath(dstPath)

	if !src.Writable() {
		return NewError(CodeArchiveNotWritable, "rename", srcPath, nil)
	}
	if dstPath == "/" {
		return Errorf(CodeEntryAlreadyExists, "rename", dstPath, "cannot rename onto the root folder")
	}
	existing, err := lstatOptional(ctx, dst, dstPath)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsDir() {
		return Errorf(CodeEntryAlreadyExists, "rename", dstPath, "destination folder already exists")
	}

	st, err := src.Lstat(ctx, srcPath)
	if err != nil {
		return err
	}
	if err := e.copy(ctx, src, srcPath, dst, dstPath); err != nil {
		return err
	}

	switch {
	case st.IsMount():
		err = Unmount(ctx, src, srcPath)
	case st.IsDir():
		err = src.Rmdir(ctx, srcPath, RmdirOptions{Recursive: true})
	default:
		err = src.Unlink(ctx, srcPath)
	}
	if err != nil {
		return err
	}
	e.opts.Metrics.entry("remove", st.Type)
	e.log.WithField("op", "rename").Debugf("renamed %s to %s", srcPath, dstPath)
	return nil
}
