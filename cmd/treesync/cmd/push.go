package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push <key> <ref>",
	Short: "Push an archive to a remote registry",
	Long:  "Push an archive's objects and signed version log to an OCI registry.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) (err error) {
	key, ref := strings.TrimPrefix(args[0], driveScheme), args[1]

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

	fmt.Fprintf(os.Stderr, "Pushing %s to %s...\n", key, ref)

	if err := lib.Push(s.ctx, key, ref); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Done.")
	return nil
}
