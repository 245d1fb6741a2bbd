package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/godiwi/statesync/internal/document"
	"github.com/godiwi/statesync/internal/gate"
	"github.com/godiwi/statesync/internal/syncer"
)

// serverOwned fields are set by the job server and never differ by choice.
var serverOwned = []string{"isRunning", "lastError", "socketURL"}

var stateCmd = &cobra.Command{
	Use:     "state",
	GroupID: "sync",
	Short:   "Show and change the job server document",
}

var stateGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		resp, err := client.Fetch(cmd.Context())
		if err != nil {
			return err
		}
		doc, err := resp.Document()
		if err != nil {
			return err
		}

		var g gate.Gate
		g.Observe(resp.Header)

		if outputFormat != outputText {
			return writeValue(cmd.OutOrStdout(), outputFormat, struct {
				Document *document.Document `json:"document"`
				ReadOnly bool               `json:"readOnly"`
			}{doc, g.ReadOnly()})
		}
		return printDocument(cmd.OutOrStdout(), doc, g.ReadOnly())
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set <file|->",
	Short: "Replace the document with a JSON file",
	Long: `Replace the document with the JSON document in file, or stdin for "-".

Server-owned fields (isRunning, lastError, socketURL) are kept as they are.
With --check the document must also be runnable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		next, err := readDocument(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		for _, pattern := range next.Fep {
			if err := document.ValidatePattern(pattern); err != nil {
				return err
			}
		}
		if check, _ := cmd.Flags().GetBool("check"); check {
			if err := next.Validate(); err != nil {
				return fmt.Errorf("document is not runnable: %w", err)
			}
		}

		return edit(cmd, func(d *document.Document) {
			replacement := next.Clone()
			replacement.IsRunning = d.IsRunning
			replacement.LastError = d.LastError
			replacement.SocketURL = d.SocketURL
			*d = *replacement
		})
	},
}

var stateFepCmd = &cobra.Command{
	Use:   "fep",
	Short: "Manage file exclude patterns",
}

var stateFepAddCmd = &cobra.Command{
	Use:   "add <pattern>...",
	Short: "Add file exclude patterns",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, pattern := range args {
			if err := document.ValidatePattern(pattern); err != nil {
				return err
			}
		}
		return edit(cmd, func(d *document.Document) {
			for _, pattern := range args {
				if !slices.Contains(d.Fep, pattern) {
					d.Fep = append(d.Fep, pattern)
				}
			}
		})
	},
}

var stateFepRmCmd = &cobra.Command{
	Use:   "rm <pattern>...",
	Short: "Remove file exclude patterns",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return edit(cmd, func(d *document.Document) {
			d.Fep = slices.DeleteFunc(d.Fep, func(p string) bool {
				return slices.Contains(args, p)
			})
		})
	},
}

var stateDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "List fields that differ from the server defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		resp, err := client.Fetch(cmd.Context())
		if err != nil {
			return err
		}
		current, err := resp.Document()
		if err != nil {
			return err
		}
		resp, err = client.DescribeDefaults(cmd.Context())
		if err != nil {
			return err
		}
		defaults, err := resp.Document()
		if err != nil {
			return err
		}

		changed, err := document.Diff(defaults, current)
		if err != nil {
			return err
		}
		changed = slices.DeleteFunc(changed, func(field string) bool {
			return slices.Contains(serverOwned, field)
		})
		if outputFormat != outputText {
			if len(changed) == 0 {
				changed = []string{}
			}
			return writeValue(cmd.OutOrStdout(), outputFormat, map[string][]string{"changed": changed})
		}
		if len(changed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Document matches the defaults")
			return nil
		}
		for _, field := range changed {
			fmt.Fprintln(cmd.OutOrStdout(), field)
		}
		return nil
	},
}

func init() {
	stateSetCmd.Flags().Bool("check", false, "refuse documents that cannot be run")

	stateFepCmd.AddCommand(stateFepAddCmd, stateFepRmCmd)
	stateCmd.AddCommand(stateGetCmd, stateSetCmd, stateFepCmd, stateDiffCmd)
	rootCmd.AddCommand(stateCmd)
}

// edit applies fn to the synced document and waits for the write to finish.
func edit(cmd *cobra.Command, fn func(*document.Document)) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.engine.Edit(ctx, fn); err != nil {
		if errors.Is(err, syncer.ErrReadOnly) {
			return errors.New("document is owned by a running job, try again once it finished")
		}
		return err
	}

	st, err := s.settle(ctx)
	if err != nil {
		return err
	}
	if st.UpdateFailed {
		return errors.New("job server rejected the change")
	}

	if outputFormat != outputText {
		return writeValue(cmd.OutOrStdout(), outputFormat, st.Document)
	}
	return printDocument(cmd.OutOrStdout(), st.Document, st.ReadOnly)
}

func readDocument(stdin io.Reader, name string) (*document.Document, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var doc document.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return &doc, nil
}

func printDocument(w io.Writer, doc *document.Document, readOnly bool) error {
	if doc == nil {
		_, err := fmt.Fprintln(w, "No document loaded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }

	row("mode", doc.Mode)
	row("verbosity", doc.Verbosity)
	row("streams", fmt.Sprintf("%d in, %d out", doc.Spid, doc.Spod))
	row("sources", strings.Join(doc.Sources, ", "))
	if len(doc.Destinations) > 0 {
		row("destinations", strings.Join(doc.Destinations, ", "))
	}
	if doc.Format != "" {
		row("format", doc.Format)
	}
	row("fep", strings.Join(doc.Fep, " "))
	row("running", fmt.Sprint(doc.IsRunning))
	if doc.LastError != "" {
		row("last error", doc.LastError)
	}
	row("read-only", fmt.Sprint(readOnly))
	return tw.Flush()
}
