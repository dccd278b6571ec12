package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aweris/treesync"
)

var mountCmd = &cobra.Command{
	Use:   "mount <drive://key/path> <key>[+<version>]",
	Short: "Mount an archive at a path",
	Long:  "Create a mount point linking a path of a writable archive to another archive.",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <drive://key/path>",
	Short: "Remove a mount point",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnmount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
}

func runMount(cmd *cobra.Command, args []string) (err error) {
	key, version, err := parseArchiveRef(strings.TrimPrefix(args[1], driveScheme))
	if err != nil {
		return err
	}

	s := newSession(context.Background())
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	a, p, err := s.archive(args[0])
	if err != nil {
		return err
	}
	if err := treesync.Mount(s.ctx, a, p, treesync.MountInfo{Key: key, Version: version}); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Mounted %s at %s (version %d)\n", key, p, a.Version())
	return nil
}

func runUnmount(cmd *cobra.Command, args []string) (err error) {
	s := newSession(context.Background())
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	a, p, err := s.archive(args[0])
	if err != nil {
		return err
	}
	return treesync.Unmount(s.ctx, a, p)
}
