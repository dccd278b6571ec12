package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new archive",
	Long:  "Create a new writable archive in the library and print its key.",
	Args:  cobra.NoArgs,
	RunE:  runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) (err error) {
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
	a, err := lib.Create(s.ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Created archive at version %d\n", a.Version())
	fmt.Println(driveScheme + a.Key())
	return nil
}
