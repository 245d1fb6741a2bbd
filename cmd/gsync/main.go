// Command gsync keeps a local copy of a job server's document in sync and
// drives its runs from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/godiwi/statesync/internal/config"
)

var (
	cfgFile      string
	outputFormat string
	clientID     string

	cfgSource *config.Source
	cfg       *config.Config
	logger    *log.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "gsync",
	Short: "Sync and drive a job server document",
	Long: `gsync mirrors the document of a job server and keeps it current.

Changes are written with HTTP requests; changes made by other clients and run
progress arrive over the server's WebSocket channel.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(outputFormat); err != nil {
			return err
		}

		src, err := config.Open(cfgFile)
		if err != nil {
			return err
		}
		loaded, err := src.Config()
		if err != nil {
			return err
		}

		l, closer, err := config.NewLogger(loaded.Log, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		cfgSource, cfg, logger, logCloser = src, loaded, l, closer
		if file := src.File(); file != "" {
			logger.Debug("Using config", "file", file)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Document Commands:"},
		&cobra.Group{ID: "run", Title: "Run Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./gsync.toml or <user config dir>/gsync/gsync.toml)")
	flags.StringVarP(&outputFormat, "output", "o", outputText, "output format: text, json or yaml")
	flags.StringVar(&clientID, "client-id", "", "Client-ID to act as (default: a new one per invocation)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
