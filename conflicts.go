package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpaulsen/localsync-go/internal/store"
)

// conflictIDPrefixLen is the number of characters to show for the conflict ID
// in table output. 8 chars is sufficient for uniqueness in typical use.
const conflictIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display conflicts held for manual resolution.

Conflicts land here when a collection's policy is "deferred": both sides
are kept and the record stops syncing until one side is chosen with
'localsync conflicts resolve'.`,
		RunE: runConflictsList,
	}

	cmd.AddCommand(newConflictsResolveCmd())

	return cmd
}

func newConflictsResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a held conflict by choosing a side",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictsResolve,
	}

	cmd.Flags().Bool("keep-local", false, "keep the local version and push it")
	cmd.Flags().Bool("keep-remote", false, "adopt the remote version and discard the local edit")

	cmd.MarkFlagsOneRequired("keep-local", "keep-remote")
	cmd.MarkFlagsMutuallyExclusive("keep-local", "keep-remote")

	return cmd
}

// conflictJSON is the JSON-serializable representation of a held conflict.
type conflictJSON struct {
	ID            string `json:"id"`
	RecordID      string `json:"record_id"`
	LocalVersion  int64  `json:"local_version"`
	LocalPayload  string `json:"local_payload"`
	RemoteVersion int64  `json:"remote_version"`
	RemotePayload string `json:"remote_payload"`
	RemoteOrigin  string `json:"remote_origin"`
	DetectedAt    string `json:"detected_at"`
}

func runConflictsList(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	conflicts, err := app.Session.Conflicts(cmd.Context())
	if err != nil {
		return err
	}

	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")

		return nil
	}

	if flagJSON {
		return printConflictsJSON(conflicts)
	}

	printConflictsTable(conflicts)

	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	keepLocal, _ := cmd.Flags().GetBool("keep-local")

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	rec, err := app.Session.ResolveDeferred(cmd.Context(), args[0], keepLocal)
	if err != nil {
		return err
	}

	side := "remote"
	if keepLocal {
		side = "local"
	}

	statusf(flagQuiet, "Resolved %s keeping the %s version (now version %d)\n", rec.ID, side, rec.Version)

	if keepLocal {
		statusf(flagQuiet, "Run 'localsync sync' to push the kept version.\n")
	}

	return nil
}

func printConflictsJSON(conflicts []*store.HeldConflict) error {
	items := make([]conflictJSON, len(conflicts))
	for i, c := range conflicts {
		items[i] = conflictJSON{
			ID:            c.ID,
			RecordID:      c.RecordID,
			LocalVersion:  c.Local.Version,
			LocalPayload:  string(c.Local.Payload),
			RemoteVersion: c.Remote.Version,
			RemotePayload: string(c.Remote.Payload),
			RemoteOrigin:  c.Remote.Origin,
			DetectedAt:    time.Unix(0, c.DetectedAt).UTC().Format(time.RFC3339),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printConflictsTable(conflicts []*store.HeldConflict) {
	headers := []string{"ID", "RECORD", "LOCAL", "REMOTE", "DETECTED"}
	rows := make([][]string, len(conflicts))

	for i, c := range conflicts {
		idPrefix := c.ID
		if len(idPrefix) > conflictIDPrefixLen {
			idPrefix = idPrefix[:conflictIDPrefixLen]
		}

		rows[i] = []string{
			idPrefix,
			c.RecordID,
			fmt.Sprintf("v%d", c.Local.Version),
			fmt.Sprintf("v%d (%s)", c.Remote.Version, c.Remote.Origin),
			time.Unix(0, c.DetectedAt).UTC().Format(time.RFC3339),
		}
	}

	printTable(os.Stdout, headers, rows)
}
