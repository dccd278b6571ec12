package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/treesync"
)

var diffCmd = &cobra.Command{
	Use:   "diff <src> <dst>",
	Short: "Show changes between two trees",
	Long: `List the changes that would turn <dst> into <src>.

Locators are local paths or drive://<key>[+<version>]/<path>.`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func init() {
	addDiffFlags(diffCmd)
	rootCmd.AddCommand(diffCmd)
}

func addDiffFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("shallow", false, "compare only the direct children of the roots")
	cmd.Flags().StringSlice("ops", nil, "change kinds to report: add, mod, del")
	cmd.Flags().StringSlice("paths", nil, "restrict to these subtrees (relative to the roots)")
	cmd.Flags().StringP("output", "o", formatTable, "output format: table, json or yaml")
}

func diffOptions(cmd *cobra.Command) (treesync.DiffOptions, error) {
	var opts treesync.DiffOptions
	opts.Shallow, _ = cmd.Flags().GetBool("shallow")
	opts.Paths, _ = cmd.Flags().GetStringSlice("paths")

	ops, _ := cmd.Flags().GetStringSlice("ops")
	for _, s := range ops {
		op, err := treesync.ParseOp(s)
		if err != nil {
			return opts, err
		}
		opts.Ops = append(opts.Ops, op)
	}
	return opts, nil
}

func runDiff(cmd *cobra.Command, args []string) (err error) {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
		return err
	}
	opts, err := diffOptions(cmd)
	if err != nil {
		return err
	}

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

	changes, err := newEngine().Diff(s.ctx, src, srcPath, dst, dstPath, opts)
	if err != nil {
		return err
	}
	return printChanges(os.Stdout, format, changes)
}
