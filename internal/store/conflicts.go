package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// HeldConflict is a deferred conflict persisted until an external decision
// arrives. Both sides are retained in full; neither overwrites the other
// while the conflict is open.
type HeldConflict struct {
	ID              string
	RecordID        string
	Local           record.Record
	Remote          record.Record
	AncestorVersion *int64
	DetectedAt      int64
	Resolution      string // "unresolved", "keep_local", "keep_remote"
	ResolvedAt      *int64
}

// Held conflict resolution values for the conflicts.resolution column.
const (
	conflictUnresolved = "unresolved"
	conflictKeepLocal  = "keep_local"
	conflictKeepRemote = "keep_remote"
)

const sqlSelectConflicts = `SELECT id, record_id,
	local_payload, local_version, local_origin, local_modified, local_tombstone,
	remote_payload, remote_version, remote_origin, remote_modified, remote_tombstone,
	ancestor_version, detected_at, resolution, resolved_at
 FROM conflicts `

// holdConflictTx inserts a deferred conflict inside an existing
// transaction. Holding is idempotent per record: if an unresolved conflict
// already exists for the record, its ID is returned and the remote side is
// refreshed to the latest observation.
func (s *Store) holdConflictTx(tx *sql.Tx, c record.Conflict) (string, error) {
	var existing string

	err := tx.QueryRow(
		`SELECT id FROM conflicts WHERE record_id = ? AND resolution = ?`,
		c.Local.ID, conflictUnresolved).Scan(&existing)

	switch {
	case err == nil:
		_, err = tx.Exec(
			`UPDATE conflicts SET remote_payload = ?, remote_version = ?,
			 remote_origin = ?, remote_modified = ?, remote_tombstone = ?
			 WHERE id = ?`,
			nullBytes(c.Remote.Payload), c.Remote.Version, c.Remote.Origin,
			c.Remote.LastModified, boolToInt(c.Remote.Tombstone), existing)
		if err != nil {
			return "", fmt.Errorf("store: refreshing held conflict %s: %w", existing, err)
		}

		return existing, nil

	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert

	default:
		return "", fmt.Errorf("store: checking held conflict for %s: %w", c.Local.ID, err)
	}

	id := uuid.NewString()

	var ancestor any
	if c.AncestorVersion != nil {
		ancestor = *c.AncestorVersion
	}

	_, err = tx.Exec(
		`INSERT INTO conflicts (id, record_id,
			local_payload, local_version, local_origin, local_modified, local_tombstone,
			remote_payload, remote_version, remote_origin, remote_modified, remote_tombstone,
			ancestor_version, detected_at, resolution)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Local.ID,
		nullBytes(c.Local.Payload), c.Local.Version, c.Local.Origin,
		c.Local.LastModified, boolToInt(c.Local.Tombstone),
		nullBytes(c.Remote.Payload), c.Remote.Version, c.Remote.Origin,
		c.Remote.LastModified, boolToInt(c.Remote.Tombstone),
		ancestor, s.now(), conflictUnresolved)
	if err != nil {
		return "", fmt.Errorf("store: holding conflict for %s: %w", c.Local.ID, err)
	}

	return id, nil
}

// HoldConflict persists a deferred conflict in its own transaction and
// returns the conflict ID.
func (s *Store) HoldConflict(ctx context.Context, c record.Conflict) (string, error) {
	var id string

	err := s.withTx(ctx, "hold conflict", func(tx *sql.Tx) error {
		var txErr error
		id, txErr = s.holdConflictTx(tx, c)

		return txErr
	})

	return id, err
}

// GetConflict returns a held conflict by ID.
func (s *Store) GetConflict(ctx context.Context, id string) (*HeldConflict, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectConflicts+`WHERE id = ?`, id)

	hc, err := scanHeldConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: conflict %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting conflict %s: %w", id, err)
	}

	return hc, nil
}

// ListUnresolvedConflicts returns open conflicts in detection order.
func (s *Store) ListUnresolvedConflicts(ctx context.Context) ([]*HeldConflict, error) {
	rows, err := s.db.QueryContext(ctx,
		sqlSelectConflicts+`WHERE resolution = ? ORDER BY detected_at`, conflictUnresolved)
	if err != nil {
		return nil, fmt.Errorf("store: listing unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var result []*HeldConflict

	for rows.Next() {
		hc, scanErr := scanHeldConflict(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning conflict row: %w", scanErr)
		}

		result = append(result, hc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating conflict rows: %w", err)
	}

	return result, nil
}

// HasUnresolvedConflict reports whether a record currently has an open
// deferred conflict. Entries for such records are skipped during the drain
// so they are neither re-pushed nor marked applied until the user decides.
func (s *Store) HasUnresolvedConflict(ctx context.Context, recordID string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE record_id = ? AND resolution = ?`,
		recordID, conflictUnresolved).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: counting conflicts for %s: %w", recordID, err)
	}

	return n > 0, nil
}

// CountUnresolvedConflicts returns the number of open deferred conflicts.
// Surfaces through sync status so the presentation layer can prompt the
// user without polling the conflict ledger.
func (s *Store) CountUnresolvedConflicts(ctx context.Context) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolution = ?`, conflictUnresolved).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting unresolved conflicts: %w", err)
	}

	return n, nil
}

// scanHeldConflict scans one conflicts-table row.
func scanHeldConflict(row rowScanner) (*HeldConflict, error) {
	var (
		hc              HeldConflict
		localPayload    []byte
		remotePayload   []byte
		localTombstone  int
		remoteTombstone int
		ancestor        sql.NullInt64
		resolvedAt      sql.NullInt64
	)

	err := row.Scan(&hc.ID, &hc.RecordID,
		&localPayload, &hc.Local.Version, &hc.Local.Origin,
		&hc.Local.LastModified, &localTombstone,
		&remotePayload, &hc.Remote.Version, &hc.Remote.Origin,
		&hc.Remote.LastModified, &remoteTombstone,
		&ancestor, &hc.DetectedAt, &hc.Resolution, &resolvedAt)
	if err != nil {
		return nil, err
	}

	hc.Local.ID = hc.RecordID
	hc.Remote.ID = hc.RecordID
	hc.Local.Payload = localPayload
	hc.Remote.Payload = remotePayload
	hc.Local.Tombstone = localTombstone != 0
	hc.Remote.Tombstone = remoteTombstone != 0

	if ancestor.Valid {
		hc.AncestorVersion = record.Int64Ptr(ancestor.Int64)
	}

	if resolvedAt.Valid {
		hc.ResolvedAt = record.Int64Ptr(resolvedAt.Int64)
	}

	return &hc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
