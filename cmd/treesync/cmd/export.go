package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/treesync"
)

var exportCmd = &cobra.Command{
	Use:   "export <src> <dst>",
	Short: "Export a folder into or out of an archive",
	Long: `Export the tree at <src> to <dst>.

The direction is chosen from the locators: a local folder into an archive, an
archive into a local folder, or one archive into another (mount points kept).`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().Bool("dry-run", false, "compute stats without writing")
	exportCmd.Flags().Bool("overwrite", false, "allow exporting into a non-empty folder")
	exportCmd.Flags().StringSlice("ignore", nil, "gitignore-style patterns to skip")
	exportCmd.Flags().Bool("into", false, "export into <dst>/<name of src>")
	exportCmd.Flags().Bool("prune", false, "remove destination entries missing from the source")
	exportCmd.Flags().Bool("skip-undownloaded", false, "skip archive files not available locally")
	exportCmd.Flags().StringP("output", "o", formatTable, "output format: table, json or yaml")
	exportCmd.Flags().BoolP("verbose", "v", false, "print progress to stderr")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) (err error) {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format); err != nil {
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

	opts := treesync.ExportOptions{Src: src, SrcPath: srcPath, Dst: dst, DstPath: dstPath}
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.OverwriteExisting, _ = cmd.Flags().GetBool("overwrite")
	opts.Ignore, _ = cmd.Flags().GetStringSlice("ignore")
	opts.IntoTargetFolder, _ = cmd.Flags().GetBool("into")
	opts.Prune, _ = cmd.Flags().GetBool("prune")
	opts.SkipUndownloadedFiles, _ = cmd.Flags().GetBool("skip-undownloaded")
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts.Progress = func(st treesync.ExportStats) {
			fmt.Fprintf(os.Stderr, "\r%d files, %d bytes", st.FileCount, st.TotalSize)
		}
	}

	e := newEngine()
	var stats *treesync.ExportStats
	switch {
	case src.Kind() == treesync.StoreFilesystem && dst.Kind() == treesync.StoreArchive:
		stats, err = e.ExportFilesystemToArchive(s.ctx, opts)
	case src.Kind() == treesync.StoreArchive && dst.Kind() == treesync.StoreFilesystem:
		stats, err = e.ExportArchiveToFilesystem(s.ctx, opts)
	case src.Kind() == treesync.StoreArchive && dst.Kind() == treesync.StoreArchive:
		stats, err = e.ExportArchiveToArchive(s.ctx, opts)
	default:
		return fmt.Errorf("export needs at least one drive:// locator; use copy between local folders")
	}
	if opts.Progress != nil {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	return printExportStats(os.Stdout, format, stats)
}
