package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aweris/treesync"
)

var lsCmd = &cobra.Command{
	Use:   "ls [location]",
	Short: "List archives or folder entries",
	Long: `List the entries of a folder. Without a location, list the archives in the
library.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

func init() {
	lsCmd.Flags().BoolP("recursive", "r", false, "list subfolders (never descends into mounts)")
	lsCmd.Flags().BoolP("long", "l", false, "show type, size and mount details")
	rootCmd.AddCommand(lsCmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
	s := newSession(context.Background())
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if len(args) == 0 {
		return listArchives(s)
	}

	store, p, err := s.locate(args[0])
	if err != nil {
		return err
	}
	recursive, _ := cmd.Flags().GetBool("recursive")
	long, _ := cmd.Flags().GetBool("long")

	entries, err := treesync.ReadDir(s.ctx, store, p, treesync.ReadDirOptions{Recursive: recursive, IncludeStats: long})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("(no entries)")
		return nil
	}
	if !long {
		for _, e := range entries {
			fmt.Println(e.Name)
		}
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		typ, size, detail := e.Stat.Type.String(), strconv.FormatUint(e.Stat.Size, 10), ""
		switch {
		case e.Stat.IsMount():
			typ = "mount"
			detail = driveScheme + e.Stat.Mount.Key
			if e.Stat.Mount.Version > 0 {
				detail += "+" + strconv.FormatUint(e.Stat.Mount.Version, 10)
			}
		case e.Stat.IsSymlink():
			detail = "-> " + e.Stat.Linkname
		}
		rows = append(rows, []string{typ, size, e.Stat.Mtime.Format("2006-01-02 15:04"), e.Name, detail})
	}
	printTable(os.Stdout, []string{"Type", "Size", "Modified", "Name", ""}, rows)
	return nil
}

func listArchives(s *session) error {
	lib, err := s.library()
	if err != nil {
		return err
	}
	keys, err := lib.List()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("(no archives)")
		return nil
	}

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		a, err := lib.Open(s.ctx, key)
		if err != nil {
			return err
		}
		writable := "no"
		if a.Writable() {
			writable = "yes"
		}
		rows = append(rows, []string{driveScheme + key, strconv.FormatUint(a.Version(), 10), writable})
	}
	printTable(os.Stdout, []string{"Archive", "Version", "Writable"}, rows)
	return nil
}
