package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/treesync/drive"
)

var pullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull an archive from a remote registry",
	Long: `Pull an archive from an OCI registry into the library.

With --sparse only the folder structure is fetched; file contents stay
unavailable until a full pull.`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

func init() {
	pullCmd.Flags().Bool("sparse", false, "fetch folder structure only")
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	ref := args[0]
	sparse, _ := cmd.Flags().GetBool("sparse")

	s := newSession(context.Background())
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	lib, err := s.library()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Pulling %s...\n", ref)

	a, err := lib.Pull(s.ctx, ref, drive.PullOptions{Sparse: sparse})
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Done. Version: %d\n", a.Version())
	fmt.Println(driveScheme + a.Key())
	return nil
}
