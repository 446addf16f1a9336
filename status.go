package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state, queued changes, and conflicts",
		Long: `Display the local sync state.

Shows the change log queue, unresolved conflict count, and the result of
the last sync cycle recorded in the state database.`,
		RunE: runStatus,
	}
}

// statusJSON is the JSON-serializable representation of sync status.
type statusJSON struct {
	State               string `json:"state"`
	Origin              string `json:"origin"`
	Remote              string `json:"remote,omitempty"`
	Pending             int    `json:"pending"`
	InFlight            int    `json:"in_flight"`
	Failed              int    `json:"failed"`
	UnresolvedConflicts int    `json:"unresolved_conflicts"`
	LastSyncAt          string `json:"last_sync_at,omitempty"`
	LastPullAt          string `json:"last_pull_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	st, err := app.Session.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := statusJSON{
		State:               string(st.State),
		Origin:              resolvedCfg.Origin,
		Remote:              resolvedCfg.Remote.URL,
		Pending:             st.Changes.Pending,
		InFlight:            st.Changes.InFlight,
		Failed:              st.Changes.Failed,
		UnresolvedConflicts: st.UnresolvedConflicts,
		LastError:           st.LastError,
	}

	if st.LastSyncAt > 0 {
		out.LastSyncAt = time.Unix(0, st.LastSyncAt).UTC().Format(time.RFC3339)
	}

	// The scheduler state is per-process; the checkpoint timestamp is the
	// durable record of the last completed pull.
	pulledAt, err := app.Store.CheckpointAge(cmd.Context(), resolvedCfg.Remote.Name)
	if err != nil {
		return err
	}

	if pulledAt > 0 {
		out.LastPullAt = time.Unix(0, pulledAt).UTC().Format(time.RFC3339)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printStatusText(&out)

	return nil
}

func printStatusText(st *statusJSON) {
	fmt.Printf("Origin:    %s\n", st.Origin)

	remote := st.Remote
	if remote == "" {
		remote = "(not configured)"
	}

	fmt.Printf("Remote:    %s\n", remote)
	fmt.Printf("State:     %s\n", st.State)
	fmt.Printf("Queue:     %d pending, %d in flight, %d failed\n", st.Pending, st.InFlight, st.Failed)
	fmt.Printf("Conflicts: %d unresolved\n", st.UnresolvedConflicts)

	if st.LastSyncAt != "" {
		fmt.Printf("Last sync: %s\n", st.LastSyncAt)
	}

	if st.LastPullAt != "" {
		fmt.Printf("Last pull: %s\n", st.LastPullAt)
	}

	if st.LastError != "" {
		fmt.Printf("Last error: %s\n", st.LastError)
	}
}
