package localfs

import (
	"errors"
	"os"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync"
)

// translate maps a billy or os error onto a treesync error code.
func (f *FS) translate(op, p string, err error) error {
	var code treesync.Code
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		code = treesync.CodeNotFound
	case errors.Is(err, os.ErrExist):
		code = treesync.CodeEntryAlreadyExists
	case errors.Is(err, syscall.ENOTDIR):
		code = treesync.CodeNotAFolder
	case errors.Is(err, syscall.EISDIR):
		code = treesync.CodeNotAFile
	case errors.Is(err, syscall.ENOTEMPTY):
		code = treesync.CodeDestDirectoryNotEmpty
	case errors.Is(err, billy.ErrCrossedBoundary):
		code = treesync.CodeInvalidPath
	case errors.Is(err, billy.ErrReadOnly):
		code = treesync.CodeArchiveNotWritable
	case errors.Is(err, billy.ErrNotSupported):
		code = treesync.CodeNotSupported
	default:
		f.log.WithFields(logrus.Fields{"op": op, "path": p}).WithError(err).Warn("unexpected filesystem error")
		code = treesync.CodeUnexpected
	}
	return treesync.NewError(code, op, p, err)
}
