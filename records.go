package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// maxStdinPayload caps payloads read from stdin. Matches the payload limit
// enforced by the server side of the wire protocol.
const maxStdinPayload = 4 << 20

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <record-id> [payload]",
		Short: "Write a record and queue it for sync",
		Long: `Write a record to the local store. The write is durable before the
command returns; synchronization happens on the next sync cycle.

Record IDs are namespaced as "collection/key". The payload is taken from
the second argument, or from stdin when omitted or given as "-".`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runPut,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <record-id>",
		Short: "Read a record's payload",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <record-id>",
		Short: "Delete a record and queue the deletion for sync",
		Long: `Delete a record from the local store. The record is kept internally as
a tombstone until the deletion has been reconciled with the remote, so
concurrent edits from other replicas still resolve deterministically.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List records, optionally filtered by ID prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func runPut(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	payload, err := readPayload(args)
	if err != nil {
		return err
	}

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	mut, err := app.Session.Put(cmd.Context(), args[0], payload)
	if err != nil {
		return err
	}

	statusf(flagQuiet, "Queued %s (version %d, sequence %d)\n", args[0], mut.NewVersion, mut.Sequence)

	return nil
}

// readPayload returns the record payload from the argument list or stdin.
func readPayload(args []string) ([]byte, error) {
	if len(args) == 2 && args[1] != "-" {
		return []byte(args[1]), nil
	}

	payload, err := io.ReadAll(io.LimitReader(os.Stdin, maxStdinPayload+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload from stdin: %w", err)
	}

	if len(payload) > maxStdinPayload {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxStdinPayload)
	}

	return payload, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	rec, err := app.Session.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if flagJSON {
		return printRecordJSON(rec)
	}

	os.Stdout.Write(rec.Payload)

	// Keep shell output tidy when the payload has no trailing newline.
	if n := len(rec.Payload); n > 0 && rec.Payload[n-1] != '\n' {
		fmt.Println()
	}

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if _, err := app.Session.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}

	statusf(flagQuiet, "Deleted %s\n", args[0])

	return nil
}

func runLs(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	records, err := app.Session.List(cmd.Context(), prefix)
	if err != nil {
		return err
	}

	if flagJSON {
		return printRecordsJSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No records.")

		return nil
	}

	printRecordsTable(records)

	return nil
}

// recordJSON is the JSON-serializable representation of a record.
type recordJSON struct {
	ID           string `json:"id"`
	Payload      string `json:"payload"`
	Version      int64  `json:"version"`
	Origin       string `json:"origin"`
	LastModified string `json:"last_modified"`
}

func toRecordJSON(rec *record.Record) recordJSON {
	return recordJSON{
		ID:           rec.ID,
		Payload:      string(rec.Payload),
		Version:      rec.Version,
		Origin:       rec.Origin,
		LastModified: time.Unix(0, rec.LastModified).UTC().Format(time.RFC3339),
	}
}

func printRecordJSON(rec *record.Record) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(toRecordJSON(rec))
}

func printRecordsJSON(records []*record.Record) error {
	items := make([]recordJSON, len(records))
	for i, rec := range records {
		items[i] = toRecordJSON(rec)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(items)
}

func printRecordsTable(records []*record.Record) {
	headers := []string{"ID", "VERSION", "ORIGIN", "SIZE", "MODIFIED"}
	rows := make([][]string, len(records))

	for i, rec := range records {
		rows[i] = []string{
			rec.ID,
			fmt.Sprintf("%d", rec.Version),
			rec.Origin,
			formatSize(int64(len(rec.Payload))),
			formatTime(time.Unix(0, rec.LastModified)),
		}
	}

	printTable(os.Stdout, headers, rows)
}
