package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/martinemde/agentcore/agentloop"
	"github.com/martinemde/agentcore/sessionstore"
	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions [id]",
	Short: "List stored sessions or show one session's history",
	Long: `List the most recent sessions, or print the latest stored history of
one session as a transcript.

Examples:
  agentcore sessions
  agentcore sessions --limit 5
  agentcore sessions 0b6f7c1e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Disabled {
			return errors.New("session store is disabled")
		}
		store, err := sessionstore.Open(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			return showSession(cmd, store, args[0])
		}
		list, err := store.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), list)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to list")
}

func showSession(cmd *cobra.Command, store *sessionstore.SQLiteStore, id string) error {
	rec, err := store.LoadSession(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	history, err := store.LatestHistory(cmd.Context(), id)
	if err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
		return err
	}

	w := cmd.OutOrStdout()
	printSessions(w, []agentloop.SessionRecord{rec})
	fmt.Fprintln(w)
	fmt.Fprintln(w, agentloop.Transcript(history))
	return nil
}

func printSessions(w io.Writer, list []agentloop.SessionRecord) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no sessions"))
		return
	}
	for _, rec := range list {
		status := successStyle.Render(string(rec.State))
		if rec.State != agentloop.StateDone {
			label := string(rec.State)
			if rec.Outcome.Reason != "" {
				label += " (" + string(rec.Outcome.Reason) + ")"
			}
			status = warnStyle.Render(label)
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			argsStyle.Render(rec.ID),
			dimStyle.Render(rec.UpdatedAt.Local().Format(time.DateTime)),
			status,
			dimStyle.Render(fmt.Sprintf("%d/%d steps", rec.Steps, rec.MaxSteps)))
		if rec.Task != "" {
			fmt.Fprintf(w, "  %s\n", truncateLine(rec.Task, 100))
		}
	}
}
