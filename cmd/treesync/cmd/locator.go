package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aweris/treesync"
	"github.com/aweris/treesync/drive"
	"github.com/aweris/treesync/localfs"
)

const driveScheme = "drive://"

// session opens the library on first use so commands on local folders never
// touch it.
type session struct {
	ctx context.Context
	lib *drive.Library
}

func newSession(ctx context.Context) *session {
	return &session{ctx: ctx}
}

func (s *session) library() (*drive.Library, error) {
	if s.lib != nil {
		return s.lib, nil
	}
	lib, err := openLibrary()
	if err != nil {
		return nil, err
	}
	s.lib = lib
	return lib, nil
}

func (s *session) Close() error {
	if s.lib == nil {
		return nil
	}
	return s.lib.Close()
}

// locate resolves drive://<key>[+<version>]/<path> or a local path into a
// store and a path inside it.
func (s *session) locate(loc string) (treesync.Store, string, error) {
	if !strings.HasPrefix(loc, driveScheme) {
		abs, err := filepath.Abs(loc)
		if err != nil {
			return nil, "", err
		}
		return localfs.NewOS("/", localfs.WithLogger(logrus.StandardLogger())), filepath.ToSlash(abs), nil
	}

	a, p, err := s.archive(loc)
	if err != nil {
		return nil, "", err
	}
	return a, p, nil
}

func (s *session) archive(loc string) (*drive.Archive, string, error) {
	rest := strings.TrimPrefix(loc, driveScheme)
	host, p, _ := strings.Cut(rest, "/")
	key, version, err := parseArchiveRef(host)
	if err != nil {
		return nil, "", fmt.Errorf("invalid locator %q: %w", loc, err)
	}

	lib, err := s.library()
	if err != nil {
		return nil, "", err
	}
	var a *drive.Archive
	if version > 0 {
		a, err = lib.Checkout(s.ctx, key, version)
	} else {
		a, err = lib.Open(s.ctx, key)
	}
	if err != nil {
		return nil, "", err
	}
	return a, treesync.NormalizePath(p), nil
}

// parseArchiveRef splits "<key>[+<version>]".
func parseArchiveRef(ref string) (string, uint64, error) {
	key, v, ok := strings.Cut(ref, "+")
	if key == "" {
		return "", 0, fmt.Errorf("missing archive key")
	}
	if !ok {
		return key, 0, nil
	}
	version, err := strconv.ParseUint(v, 10, 64)
	if err != nil || version == 0 {
		return "", 0, fmt.Errorf("invalid version %q", v)
	}
	return key, version, nil
}
