package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/treesync"
)

var copyCmd = &cobra.Command{
	Use:   "copy <src> <dst>",
	Short: "Copy a file or folder",
	Long:  "Copy the entry at <src> to <dst>, creating missing parents in archives.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transfer(args, (*treesync.Engine).Copy, "Copied")
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <src> <dst>",
	Short: "Move a file or folder",
	Long:  "Move the entry at <src> to <dst>. Moves across stores copy and then remove the source.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transfer(args, (*treesync.Engine).Rename, "Moved")
	},
}

func init() {
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(renameCmd)
}

type transferFunc func(e *treesync.Engine, ctx context.Context, src treesync.Store, srcPath string, dst treesync.Store, dstPath string) error

func transfer(args []string, fn transferFunc, done string) (err error) {
	s := newSession(context.Background())
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	src, srcPath, err := s.locate(args[0])
	if err != nil {
		return err
	}
	dst, dstPath, err := s.locate(args[1])
	if err != nil {
		return err
	}

	if err := fn(newEngine(), s.ctx, src, srcPath, dst, dstPath); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %s to %s\n", done, args[0], args[1])
	return nil
}
