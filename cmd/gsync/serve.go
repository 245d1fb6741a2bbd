package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/godiwi/statesync/internal/document"
	"github.com/godiwi/statesync/internal/stateserver"
	"github.com/godiwi/statesync/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Start a local job server",
	Long: `Start a job server that serves the document and push endpoints.

Runs do not touch any file; each source of the document yields one result
after --step. Useful for trying out gsync and for testing clients.

Endpoints:
  GET|PUT|DEFAULTS|POST|DELETE  /api/v1/state
  GET                           /api/v1/dirlist?path=<path>&type=all|sealOnly
  WebSocket                     /api/v1/websocket
  GET                           /health`,
	Example: `  gsync serve
  gsync serve --addr :9000 --document state.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Serve.Addr
		}
		step, _ := cmd.Flags().GetDuration("step")

		config := &stateserver.Config{
			Addr:   addr,
			Runner: stateserver.StepRunner(step),
			Logger: logger.WithPrefix("serve"),
		}
		if path, _ := cmd.Flags().GetString("document"); path != "" {
			doc, err := readDocument(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			config.Document = doc
		} else {
			config.Document = document.Default()
		}

		server := stateserver.NewServer(config)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start job server: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Job server started on http://%s\n", server.GetAddr())
		fmt.Fprintf(out, "State endpoint: http://%s%s\n", server.GetAddr(), transport.DefaultStatePath)
		fmt.Fprintf(out, "WebSocket endpoint: ws://%s%s\n", server.GetAddr(), stateserver.SocketPath)
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		<-cmd.Context().Done()

		fmt.Fprintln(out, "\nShutting down job server...")
		return server.Stop()
	},
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "address to listen on (default: serve.addr)")
	serveCmd.Flags().String("document", "", "JSON file with the initial document")
	serveCmd.Flags().Duration("step", stateserver.DefaultStep, "time each source takes during a run")

	rootCmd.AddCommand(serveCmd)
}
