package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/godiwi/statesync/internal/config"
	"github.com/godiwi/statesync/internal/run"
	"github.com/godiwi/statesync/internal/syncer"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep the document in sync and show its status",
	Long: `Keep a live copy of the document and print a status line on every change.

The sync policy (echo window, origin filter, reconnect delay) is re-read when the
config file changes. With --output json every status is written as one JSON line.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetDuration("refresh")

		s, err := openSession(cmd.Context(), nil)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			<-ctx.Done()
			return s.Close()
		})
		g.Go(func() error {
			return renderStatus(ctx, s, cmd.OutOrStdout())
		})
		if refresh > 0 {
			g.Go(func() error {
				return refreshEvery(ctx, s.engine, refresh)
			})
		}

		cfgSource.Watch(logger, func(c *config.Config) {
			policy, err := c.Policy()
			if err != nil {
				logger.Warn("Ignoring sync policy", "err", err)
				return
			}
			if err := s.engine.SetPolicy(ctx, policy); err != nil {
				logger.Warn("Failed to apply sync policy", "err", err)
			}
		})

		return g.Wait()
	},
}

func init() {
	watchCmd.Flags().Duration("refresh", 0, "also re-fetch at this interval (0 disables)")

	rootCmd.AddCommand(watchCmd)
}

func refreshEvery(ctx context.Context, e *syncer.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

func renderStatus(ctx context.Context, s *session, w io.Writer) error {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil
	}

	var (
		enc    *json.Encoder
		view   *statusView
		output *termenv.Output
	)
	switch outputFormat {
	case outputText:
		view = newStatusView(w)
		if view.live {
			output = termenv.NewOutput(w)
		}
	default:
		// YAML has no line-per-record form; both structured formats stream JSON.
		enc = json.NewEncoder(w)
	}

	for {
		switch {
		case enc != nil:
			if err := enc.Encode(st); err != nil {
				return err
			}
		case output != nil:
			output.ClearLine()
			fmt.Fprint(w, "\r"+view.Render(st))
		default:
			fmt.Fprintln(w, view.Render(st))
		}

		select {
		case <-ctx.Done():
			if output != nil {
				fmt.Fprintln(w)
			}
			return nil
		case st = <-s.updates:
		}
	}
}

// statusView renders a Status as one line.
type statusView struct {
	live bool // rewrite a single terminal line

	ok, warn, bad, dim lipgloss.Style
}

func newStatusView(w io.Writer) *statusView {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}

	r := lipgloss.NewRenderer(w)
	if !tty || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}

	return &statusView{
		live: tty,
		ok:   r.NewStyle().Foreground(lipgloss.Color("2")),
		warn: r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:  r.NewStyle().Faint(true),
	}
}

func (v *statusView) Render(st syncer.Status) string {
	var parts []string

	switch {
	case st.UpdateFailed:
		parts = append(parts, v.bad.Render("update failed"))
	case st.IsUpdating:
		parts = append(parts, v.warn.Render("updating"))
	default:
		parts = append(parts, v.ok.Render("in sync"))
	}

	if st.PushLive {
		parts = append(parts, v.ok.Render("push live"))
	} else {
		parts = append(parts, v.warn.Render("push down"))
	}

	if st.ReadOnly {
		parts = append(parts, v.warn.Render("read-only"))
	} else {
		parts = append(parts, v.dim.Render("writable"))
	}

	switch st.Run.State {
	case run.Running:
		parts = append(parts, v.warn.Render(fmt.Sprintf("running (%d results)", len(st.Run.Results))))
	case run.Finished:
		parts = append(parts, v.ok.Render(fmt.Sprintf("finished (%d results)", len(st.Run.Results))))
	default:
		parts = append(parts, v.dim.Render("idle"))
	}

	for _, a := range st.Alerts {
		parts = append(parts, v.bad.Render(a.Msg))
	}

	if st.Document != nil {
		parts = append(parts, v.dim.Render(fmt.Sprintf("%s, %d sources", st.Document.Mode, len(st.Document.Sources))))
	}

	return strings.Join(parts, v.dim.Render(" | "))
}
