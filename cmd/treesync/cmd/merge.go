package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/treesync"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <src> <dst>",
	Short: "Apply changes from one tree to another",
	Long: `Apply the changes between <src> and <dst> to <dst>.

By default only additions and modifications are applied; pass --ops add,mod,del
to also remove entries that exist only in <dst>.`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

func init() {
	addDiffFlags(mergeCmd)
	mergeCmd.Flags().Bool("dry-run", false, "report the changes without applying them")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) (err error) {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
		return err
	}
	diffOpts, err := diffOptions(cmd)
	if err != nil {
		return err
	}
	opts := treesync.MergeOptions{DiffOptions: diffOpts}
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

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

	changes, err := newEngine().Merge(s.ctx, src, srcPath, dst, dstPath, opts)
	if err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	return printChanges(os.Stdout, format, changes)
}
