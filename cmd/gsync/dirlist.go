package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/godiwi/statesync/internal/transport"
)

var dirlistCmd = &cobra.Command{
	Use:     "dirlist <path>",
	GroupID: "sync",
	Short:   "List a directory on the job server host",
	Long: `List entries of a directory on the job server host.

A path ending in a separator lists the directory. Otherwise the last element is
matched loosely against the entries of its parent: "al" finds "Alpha.txt".
Entries excluded by the document's fep patterns are hidden.`,
	Example: `  gsync dirlist /data/
  gsync dirlist /data/alp --seal-only`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := transport.ListAll
		if sealOnly, _ := cmd.Flags().GetBool("seal-only"); sealOnly {
			mode = transport.ListSealOnly
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		entries, _, err := client.ListDir(cmd.Context(), args[0], mode)
		if err != nil {
			return err
		}

		if outputFormat != outputText {
			if entries == nil {
				entries = []transport.DirEntry{}
			}
			return writeValue(cmd.OutOrStdout(), outputFormat, entries)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', 0)
		for _, e := range entries {
			kind := "-"
			if e.IsDir {
				kind = "d"
			}
			fmt.Fprintf(tw, "%s\t%s\n", kind, e.Path)
		}
		return tw.Flush()
	},
}

func init() {
	dirlistCmd.Flags().Bool("seal-only", false, "only list directories and seal files")

	rootCmd.AddCommand(dirlistCmd)
}
