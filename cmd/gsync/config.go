package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/godiwi/statesync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Show or create the gsync configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file and GSYNC_*
environment variables to the defaults. Text output is TOML.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if outputFormat != outputText {
			return writeValue(out, outputFormat, cfgSource.Settings())
		}

		if file := cfgSource.File(); file != "" {
			fmt.Fprintf(out, "# %s\n", file)
		} else {
			fmt.Fprintln(out, "# built-in defaults")
		}
		data, err := cfgSource.EncodeTOML()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented config file",
	Long: `Write a config file with every setting and its default value.

The file is written to ./gsync.toml unless a path is given. Without --url the
job server URL is asked for when running in a terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}

		serverURL, _ := cmd.Flags().GetString("url")
		if serverURL == "" && term.IsTerminal(int(os.Stdin.Fd())) {
			serverURL = config.DefaultServerURL
			err := huh.NewInput().
				Title("Job server URL").
				Value(&serverURL).
				Validate(validateServerURL).
				Run()
			if err != nil {
				return err
			}
		}
		if serverURL != "" {
			if err := validateServerURL(serverURL); err != nil {
				return err
			}
		}

		if err := config.WriteExample(path, serverURL); err != nil {
			if errors.Is(err, config.ErrExists) {
				return fmt.Errorf("%w (remove it first to start over)", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func validateServerURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("expected an http(s) URL with a host, got %q", s)
	}
	return nil
}

func init() {
	configInitCmd.Flags().String("url", "", "job server URL to put into the file")

	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
