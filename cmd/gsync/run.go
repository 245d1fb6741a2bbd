package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/godiwi/statesync/internal/run"
	"github.com/godiwi/statesync/internal/syncer"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "run",
	Short:   "Start a run and follow its progress",
	Long: `Start a run of the current document and print each result as it arrives.

Interrupting gsync while it follows the run aborts the run. With --detach the
run is only started.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		detach, _ := cmd.Flags().GetBool("detach")
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Trigger(ctx); err != nil {
			return err
		}

		printed := 0
		st, err := s.until(ctx, func(st syncer.Status) bool {
			if outputFormat == outputText {
				for ; printed < len(st.Run.Results); printed++ {
					fmt.Fprintf(out, "%s\n", st.Run.Results[printed])
				}
			}
			if st.Pending > 0 {
				return false
			}
			return len(st.Alerts) > 0 || detach || !st.PushLive || st.Run.State == run.Finished
		})
		if errors.Is(err, context.Canceled) {
			return abortAfterInterrupt(s)
		}
		if err != nil {
			return err
		}

		if len(st.Alerts) > 0 {
			msgs := make([]string, 0, len(st.Alerts))
			for _, a := range st.Alerts {
				msgs = append(msgs, a.Msg)
			}
			return fmt.Errorf("run not started: %s", strings.Join(msgs, "; "))
		}

		if outputFormat != outputText {
			return writeValue(out, outputFormat, st.Run)
		}
		switch {
		case st.Run.State == run.Finished:
			fmt.Fprintf(out, "Run %s finished with %d results\n", st.Run.RunID, len(st.Run.Results))
		case detach:
			fmt.Fprintln(out, "Run started")
		default:
			fmt.Fprintln(out, "Run started, but the push channel is down; use 'gsync watch' to follow it")
		}
		return nil
	},
}

// abortAfterInterrupt stops the run this process started.
func abortAfterInterrupt(s *session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.engine.Abort(ctx); err != nil {
		return fmt.Errorf("interrupted, failed to abort run: %w", err)
	}
	st, err := s.settle(ctx)
	if err != nil {
		return fmt.Errorf("interrupted, abort did not complete: %w", err)
	}
	if len(st.Alerts) > 0 {
		return fmt.Errorf("interrupted, abort failed: %s", st.Alerts[0].Msg)
	}
	return errors.New("interrupted, run aborted")
}

var abortCmd = &cobra.Command{
	Use:     "abort",
	GroupID: "run",
	Short:   "Abort the current run",
	Long: `Abort the run in progress.

Only the client that started a run may abort it; pass its --client-id.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if _, err := client.Remove(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Run aborted")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolP("detach", "d", false, "start the run without following it")

	rootCmd.AddCommand(runCmd, abortCmd)
}
