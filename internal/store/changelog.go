package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// SQL statements for the change log.
const (
	sqlAppendChange = `INSERT INTO change_log
		(record_id, operation, payload, origin_version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`

	sqlSelectChanges = `SELECT sequence, record_id, operation, payload,
		origin_version, status, error_msg, created_at
	 FROM change_log `

	sqlMarkChange = `UPDATE change_log SET status = ?, updated_at = ? WHERE sequence = ?`

	sqlMarkChangeFailed = `UPDATE change_log SET status = 'failed', error_msg = ?, updated_at = ?
		WHERE sequence = ?`

	sqlReclaimInFlight = `UPDATE change_log SET status = 'pending', updated_at = ?
		WHERE status = 'inflight'`

	// An applied entry may be compacted only when no earlier live entry for
	// the same record remains; deleting out of order would corrupt replay.
	sqlCompactChanges = `DELETE FROM change_log
		WHERE status = 'applied'
		AND NOT EXISTS (SELECT 1 FROM change_log c2
			WHERE c2.record_id = change_log.record_id
			AND c2.sequence < change_log.sequence
			AND c2.status IN ('pending', 'inflight'))`

	sqlCountByStatus = `SELECT status, COUNT(*) FROM change_log GROUP BY status`
)

// appendChangeTx appends one change entry inside an existing transaction
// and returns its sequence number. Sequence numbers are assigned by the
// AUTOINCREMENT column and are strictly greater than every previously
// issued one, even across process restarts.
func (s *Store) appendChangeTx(
	tx *sql.Tx, op record.Operation, recordID string, payload []byte, originVersion int64,
) (int64, error) {
	now := s.now()

	result, err := tx.Exec(sqlAppendChange,
		recordID, string(op), nullBytes(payload), originVersion, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: appending change for %s: %w", recordID, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: change log last insert ID: %w", err)
	}

	return seq, nil
}

// Pending returns all pending entries in ascending sequence order: the
// total order of local operations still owed to the remote. Re-querying
// after a partial drain resumes from the oldest remaining pending entry.
func (s *Store) Pending(ctx context.Context) ([]record.ChangeEntry, error) {
	return s.queryChanges(ctx, `WHERE status = 'pending' ORDER BY sequence`, "pending")
}

// EntriesForRecord returns every non-compacted entry for a record in
// sequence order, regardless of status.
func (s *Store) EntriesForRecord(ctx context.Context, recordID string) ([]record.ChangeEntry, error) {
	return s.queryChanges(ctx,
		`WHERE record_id = ? ORDER BY sequence`, "entries for record", recordID)
}

// HasPendingChange reports whether a record has any pending or in-flight
// entry. The engine uses this to route pulled changes through conflict
// resolution instead of applying them directly.
func (s *Store) HasPendingChange(ctx context.Context, recordID string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_log
		 WHERE record_id = ? AND status IN ('pending', 'inflight')`, recordID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: counting pending changes for %s: %w", recordID, err)
	}

	return n > 0, nil
}

// Mark sets an entry's status. Marking is idempotent: setting an entry to
// the status it already has is a no-op, not an error.
func (s *Store) Mark(ctx context.Context, sequence int64, status record.Status) error {
	_, err := s.db.ExecContext(ctx, sqlMarkChange, string(status), s.now(), sequence)
	if err != nil {
		return fmt.Errorf("store: marking change %d %s: %w", sequence, status, err)
	}

	return nil
}

// markChangeTx sets an entry's status inside an existing transaction.
func (s *Store) markChangeTx(tx *sql.Tx, sequence int64, status record.Status) error {
	if _, err := tx.Exec(sqlMarkChange, string(status), s.now(), sequence); err != nil {
		return fmt.Errorf("store: marking change %d %s: %w", sequence, status, err)
	}

	return nil
}

// MarkFailed marks an entry permanently failed, recording the rejection
// reason. Failed entries do not block other records' entries from draining.
func (s *Store) MarkFailed(ctx context.Context, sequence int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, sqlMarkChangeFailed, errMsg, s.now(), sequence)
	if err != nil {
		return fmt.Errorf("store: marking change %d failed: %w", sequence, err)
	}

	return nil
}

// ReclaimInFlight reverts every in-flight entry to pending. Called at
// engine startup (crash recovery) and after a canceled or abandoned cycle,
// so no handed-out entry is ever lost.
func (s *Store) ReclaimInFlight(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, sqlReclaimInFlight, s.now())
	if err != nil {
		return 0, fmt.Errorf("store: reclaiming in-flight changes: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reclaim rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Warn("reclaimed in-flight change log entries", slog.Int64("count", n))
	}

	return n, nil
}

// Compact physically deletes applied entries that no longer participate in
// replay, then purges tombstoned records with no remaining live entries.
// Returns the number of deleted change log entries.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	var deleted int64

	err := s.withTx(ctx, "compact", func(tx *sql.Tx) error {
		result, err := tx.Exec(sqlCompactChanges)
		if err != nil {
			return fmt.Errorf("store: compacting change log: %w", err)
		}

		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: compact rows affected: %w", err)
		}

		if _, err := tx.Exec(sqlPurgeTombstones); err != nil {
			return fmt.Errorf("store: purging reconciled tombstones: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.logger.Debug("change log compacted", slog.Int64("deleted", deleted))
	}

	return deleted, nil
}

// ChangeCounts summarizes the change log by status for status reporting.
type ChangeCounts struct {
	Pending  int
	InFlight int
	Applied  int
	Failed   int
}

// CountChanges returns per-status entry counts.
func (s *Store) CountChanges(ctx context.Context) (ChangeCounts, error) {
	rows, err := s.db.QueryContext(ctx, sqlCountByStatus)
	if err != nil {
		return ChangeCounts{}, fmt.Errorf("store: counting changes: %w", err)
	}
	defer rows.Close()

	var counts ChangeCounts

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return ChangeCounts{}, fmt.Errorf("store: scanning change counts: %w", err)
		}

		switch record.Status(status) {
		case record.StatusPending:
			counts.Pending = n
		case record.StatusInFlight:
			counts.InFlight = n
		case record.StatusApplied:
			counts.Applied = n
		case record.StatusFailed:
			counts.Failed = n
		}
	}

	if err := rows.Err(); err != nil {
		return ChangeCounts{}, fmt.Errorf("store: iterating change counts: %w", err)
	}

	return counts, nil
}

// queryChanges executes a parameterized query against the change_log table.
// The whereClause is a compile-time constant appended to the base SELECT.
func (s *Store) queryChanges(ctx context.Context, whereClause, desc string, args ...any) ([]record.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectChanges+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying %s changes: %w", desc, err)
	}
	defer rows.Close()

	var result []record.ChangeEntry

	for rows.Next() {
		var (
			e       record.ChangeEntry
			op      string
			status  string
			payload []byte
			errMsg  sql.NullString
		)

		err := rows.Scan(&e.Sequence, &e.RecordID, &op, &payload,
			&e.OriginVersion, &status, &errMsg, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scanning change row: %w", err)
		}

		e.Operation = record.Operation(op)
		e.Status = record.Status(status)
		e.Payload = payload
		e.ErrorMsg = errMsg.String

		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s change rows: %w", desc, err)
	}

	return result, nil
}
