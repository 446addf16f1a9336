package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCheckpoint returns the saved pull cursor for a remote, or "" when no
// pull has completed yet.
func (s *Store) GetCheckpoint(ctx context.Context, remote string) (string, error) {
	var cursor string

	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM checkpoints WHERE remote = ?`, remote).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: getting checkpoint for %s: %w", remote, err)
	}

	return cursor, nil
}

// SaveCheckpoint persists the pull cursor. Called only after every pulled
// entry in the batch has been applied — advancing the checkpoint is the
// last action of a successful cycle, so a crash mid-cycle re-pulls instead
// of losing data.
func (s *Store) SaveCheckpoint(ctx context.Context, remote, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (remote, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(remote) DO UPDATE SET
		  cursor = excluded.cursor,
		  updated_at = excluded.updated_at`,
		remote, cursor, s.now())
	if err != nil {
		return fmt.Errorf("store: saving checkpoint for %s: %w", remote, err)
	}

	return nil
}

// CheckpointAge returns the nanosecond timestamp of the last checkpoint
// advance, or 0 when none exists. Used for status display.
func (s *Store) CheckpointAge(ctx context.Context, remote string) (int64, error) {
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM checkpoints WHERE remote = ?`, remote).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("store: getting checkpoint age for %s: %w", remote, err)
	}

	return updatedAt, nil
}
