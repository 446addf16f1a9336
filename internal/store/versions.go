package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// SQL statements for the version store.
const (
	sqlGetStamp = `SELECT record_id, version, origin, last_modified
		FROM versions WHERE record_id = ?`

	sqlUpsertStamp = `INSERT INTO versions (record_id, version, origin, last_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
		 version = excluded.version,
		 origin = excluded.origin,
		 last_modified = excluded.last_modified`
)

// GetStamp returns the version stamp for a record, or ErrNotFound when the
// record has never been versioned locally.
//
// Versions are a total order proxy only within a single record ID;
// comparing versions across records is meaningless.
func (s *Store) GetStamp(ctx context.Context, recordID string) (*record.VersionStamp, error) {
	var stamp record.VersionStamp

	err := s.db.QueryRowContext(ctx, sqlGetStamp, recordID).Scan(
		&stamp.RecordID, &stamp.Version, &stamp.Origin, &stamp.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: version stamp %s: %w", recordID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting version stamp %s: %w", recordID, err)
	}

	return &stamp, nil
}

// bumpVersionTx increments the record's version by exactly one (creating it
// at 1) inside an existing transaction and returns the new version.
// Concurrent bumps on the same record are serialized by the per-record lock
// held by the caller.
func (s *Store) bumpVersionTx(tx *sql.Tx, recordID, origin string, lastModified int64) (int64, error) {
	var current int64

	err := tx.QueryRow(`SELECT version FROM versions WHERE record_id = ?`, recordID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: reading version for bump %s: %w", recordID, err)
	}

	next := current + 1

	if _, err := tx.Exec(sqlUpsertStamp, recordID, next, origin, lastModified); err != nil {
		return 0, fmt.Errorf("store: bumping version %s: %w", recordID, err)
	}

	return next, nil
}

// observeRemoteTx records a version observed from the remote inside an
// existing transaction. It only records the fact; conflict resolution
// happens elsewhere. The version never moves backward.
func (s *Store) observeRemoteTx(tx *sql.Tx, stamp record.VersionStamp) error {
	var current int64

	err := tx.QueryRow(`SELECT version FROM versions WHERE record_id = ?`, stamp.RecordID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: reading version for observe %s: %w", stamp.RecordID, err)
	}

	if stamp.Version < current {
		return nil
	}

	_, err = tx.Exec(sqlUpsertStamp, stamp.RecordID, stamp.Version, stamp.Origin, stamp.LastModified)
	if err != nil {
		return fmt.Errorf("store: observing remote version %s: %w", stamp.RecordID, err)
	}

	return nil
}

// ObserveRemote records a remotely observed version in its own transaction.
func (s *Store) ObserveRemote(ctx context.Context, stamp record.VersionStamp) error {
	return s.withTx(ctx, "observe remote version", func(tx *sql.Tx) error {
		return s.observeRemoteTx(tx, stamp)
	})
}
