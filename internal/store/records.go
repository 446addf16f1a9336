package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// SQL statements for the local record store.
const (
	sqlGetRecord = `SELECT record_id, payload, version, origin, last_modified, tombstone
		FROM records WHERE record_id = ?`

	sqlListRecords = `SELECT record_id, payload, version, origin, last_modified, tombstone
		FROM records WHERE record_id LIKE ? || '%' AND tombstone = 0 ORDER BY record_id`

	sqlUpsertRecord = `INSERT INTO records
		(record_id, payload, version, origin, last_modified, tombstone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
		 payload = excluded.payload,
		 version = excluded.version,
		 origin = excluded.origin,
		 last_modified = excluded.last_modified,
		 tombstone = excluded.tombstone,
		 updated_at = excluded.updated_at`

	sqlPurgeTombstones = `DELETE FROM records
		WHERE tombstone = 1
		AND NOT EXISTS (SELECT 1 FROM change_log c
			WHERE c.record_id = records.record_id
			AND c.status IN ('pending', 'inflight'))`
)

// GetRecord returns the stored record, including tombstones. Callers that
// present data to the application filter tombstones themselves.
func (s *Store) GetRecord(ctx context.Context, recordID string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, sqlGetRecord, recordID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: record %s: %w", recordID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting record %s: %w", recordID, err)
	}

	return rec, nil
}

// ListRecords returns all live (non-tombstoned) records whose ID starts
// with prefix, in ID order. An empty prefix lists everything.
func (s *Store) ListRecords(ctx context.Context, prefix string) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlListRecords, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: listing records: %w", err)
	}
	defer rows.Close()

	var result []*record.Record

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning record row: %w", scanErr)
		}

		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating record rows: %w", err)
	}

	return result, nil
}

// upsertRecordTx writes a record inside an existing transaction.
func (s *Store) upsertRecordTx(tx *sql.Tx, rec *record.Record) error {
	tombstone := 0
	if rec.Tombstone {
		tombstone = 1
	}

	_, err := tx.Exec(sqlUpsertRecord,
		rec.ID, nullBytes(rec.Payload), rec.Version, rec.Origin,
		rec.LastModified, tombstone, s.now(),
	)
	if err != nil {
		return fmt.Errorf("store: upserting record %s: %w", rec.ID, err)
	}

	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one records-table row.
func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		rec       record.Record
		payload   []byte
		tombstone int
	)

	err := row.Scan(&rec.ID, &payload, &rec.Version, &rec.Origin,
		&rec.LastModified, &tombstone)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.Tombstone = tombstone != 0

	return &rec, nil
}

// nullBytes maps an empty payload to NULL so tombstones carry no stale data.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}
