package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/aweris/treesync"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func checkFormat(f string) error {
	switch f {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", f)
}

// printStructured writes v as json or yaml.
func printStructured(w io.Writer, format string, v any) error {
	if format == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
}

func printChanges(w io.Writer, format string, changes []treesync.Change) error {
	if format != formatTable {
		if changes == nil {
			changes = []treesync.Change{}
		}
		return printStructured(w, format, changes)
	}
	if len(changes) == 0 {
		fmt.Fprintln(w, "(no changes)")
		return nil
	}
	rows := make([][]string, 0, len(changes))
	for _, c := range changes {
		rows = append(rows, []string{c.Op.String(), c.Type.String(), c.Path})
	}
	printTable(w, []string{"Change", "Type", "Path"}, rows)
	return nil
}

func printExportStats(w io.Writer, format string, stats *treesync.ExportStats) error {
	if format != formatTable {
		return printStructured(w, format, stats)
	}
	var rows [][]string
	add := func(kind string, paths []string) {
		for _, p := range paths {
			rows = append(rows, []string{kind, p})
		}
	}
	add("added folder", stats.AddedFolders)
	add("added file", stats.AddedFiles)
	add("updated file", stats.UpdatedFiles)
	add("removed folder", stats.RemovedFolders)
	add("removed file", stats.RemovedFiles)
	if len(rows) > 0 {
		printTable(w, []string{"Action", "Path"}, rows)
	}
	fmt.Fprintf(w, "%d files, %d bytes, %d skipped\n", stats.FileCount, stats.TotalSize, stats.SkipCount)
	return nil
}
