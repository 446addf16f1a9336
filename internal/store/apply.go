package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// This file holds the composite operations that must be atomic across the
// record store, the version store, and the change log. Each runs in a
// single transaction: all three surfaces update together or not at all.

// LocalMutation is the durable result of a foreground write.
type LocalMutation struct {
	Sequence   int64
	NewVersion int64
}

// ApplyLocalMutation performs one foreground write: bump the record's
// version, write the record (tombstone for deletes), and append the change
// log entry carrying the version the mutation was based on. The caller
// holds the per-record lock.
func (s *Store) ApplyLocalMutation(
	ctx context.Context, op record.Operation, recordID string, payload []byte, origin string,
) (*LocalMutation, error) {
	now := s.now()

	var out LocalMutation

	err := s.withTx(ctx, "local mutation", func(tx *sql.Tx) error {
		var base int64

		err := tx.QueryRow(`SELECT version FROM versions WHERE record_id = ?`, recordID).Scan(&base)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: reading base version for %s: %w", recordID, err)
		}

		next, err := s.bumpVersionTx(tx, recordID, origin, now)
		if err != nil {
			return err
		}

		rec := &record.Record{
			ID:           recordID,
			Payload:      payload,
			Version:      next,
			Origin:       origin,
			LastModified: now,
			Tombstone:    op == record.OpDelete,
		}

		if err := s.upsertRecordTx(tx, rec); err != nil {
			return err
		}

		seq, err := s.appendChangeTx(tx, op, recordID, payload, base)
		if err != nil {
			return err
		}

		out = LocalMutation{Sequence: seq, NewVersion: next}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// ConfirmPush records a remote acceptance: the entry is marked applied and
// the version store observes the remote-assigned version, in one
// transaction. The record row's version catches up unless a newer local
// mutation has already moved past it.
func (s *Store) ConfirmPush(ctx context.Context, sequence int64, stamp record.VersionStamp) error {
	return s.withTx(ctx, "confirm push", func(tx *sql.Tx) error {
		if err := s.markChangeTx(tx, sequence, record.StatusApplied); err != nil {
			return err
		}

		if err := s.observeRemoteTx(tx, stamp); err != nil {
			return err
		}

		_, err := tx.Exec(
			`UPDATE records SET version = ?, origin = ? WHERE record_id = ? AND version <= ?`,
			stamp.Version, stamp.Origin, stamp.RecordID, stamp.Version)
		if err != nil {
			return fmt.Errorf("store: aligning record version %s: %w", stamp.RecordID, err)
		}

		return nil
	})
}

// ApplyRemote applies a pulled remote record that has no competing local
// change. Application is idempotent: a record already at or past the pulled
// version is skipped, so re-pulling after a crash cannot regress state.
// Returns whether the record was actually applied. The caller holds the
// per-record lock.
func (s *Store) ApplyRemote(ctx context.Context, rec *record.Record) (bool, error) {
	applied := false

	err := s.withTx(ctx, "apply remote", func(tx *sql.Tx) error {
		var current int64

		err := tx.QueryRow(`SELECT version FROM versions WHERE record_id = ?`, rec.ID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: reading version for pull %s: %w", rec.ID, err)
		}

		if current >= rec.Version {
			return nil
		}

		if err := s.upsertRecordTx(tx, rec); err != nil {
			return err
		}

		if err := s.observeRemoteTx(tx, record.VersionStamp{
			RecordID:     rec.ID,
			Version:      rec.Version,
			Origin:       rec.Origin,
			LastModified: rec.LastModified,
		}); err != nil {
			return err
		}

		applied = true

		return nil
	})

	return applied, err
}

// ResolutionOutcome describes the local state after a resolution has been
// applied. When RepushSequence is nonzero, the engine owes the remote a
// re-push of that entry based on RepushBaseVersion.
type ResolutionOutcome struct {
	Record            record.Record
	RepushSequence    int64
	RepushBaseVersion int64
}

// ApplyResolution applies a KeepLocal, KeepRemote, or Merged resolution
// atomically across the record store, version store, and change log.
// Deferred resolutions do not come here; they go through HoldConflict.
// sequence is the change log entry that surfaced the conflict, or 0 for
// conflicts detected on the pull path with no local entry. The caller
// holds the per-record lock.
func (s *Store) ApplyResolution(
	ctx context.Context, sequence int64, c record.Conflict, res record.Resolution,
) (*ResolutionOutcome, error) {
	switch res.Kind {
	case record.KeepRemote:
		return s.applyKeepRemote(ctx, sequence, c)
	case record.KeepLocal:
		return s.applyWinningPayload(ctx, sequence, c, c.Local.Payload, c.Local.Tombstone, res.LastModified)
	case record.Merged:
		return s.applyWinningPayload(ctx, sequence, c, res.Payload, false, res.LastModified)
	default:
		return nil, fmt.Errorf("store: resolution kind %q cannot be applied", res.Kind)
	}
}

// applyKeepRemote adopts the remote side: the local entry that lost is
// marked applied (it was adjudicated, not lost in transit).
func (s *Store) applyKeepRemote(ctx context.Context, sequence int64, c record.Conflict) (*ResolutionOutcome, error) {
	remote := c.Remote

	err := s.withTx(ctx, "apply keep-remote", func(tx *sql.Tx) error {
		if err := s.upsertRecordTx(tx, &remote); err != nil {
			return err
		}

		if err := s.observeRemoteTx(tx, record.VersionStamp{
			RecordID:     remote.ID,
			Version:      remote.Version,
			Origin:       remote.Origin,
			LastModified: remote.LastModified,
		}); err != nil {
			return err
		}

		if sequence != 0 {
			if err := s.markChangeTx(tx, sequence, record.StatusApplied); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ResolutionOutcome{Record: remote}, nil
}

// applyWinningPayload installs the winning (local or merged) payload as a
// fresh local version based on the observed remote version, and rewrites
// the change log entry so the drain re-pushes it against that base. With
// no existing entry a new one is appended.
func (s *Store) applyWinningPayload(
	ctx context.Context, sequence int64, c record.Conflict,
	payload []byte, tombstone bool, lastModified int64,
) (*ResolutionOutcome, error) {
	if lastModified == 0 {
		lastModified = s.now()
	}

	var out ResolutionOutcome

	err := s.withTx(ctx, "apply winning payload", func(tx *sql.Tx) error {
		// The remote version becomes the new common base.
		if err := s.observeRemoteTx(tx, record.VersionStamp{
			RecordID:     c.Local.ID,
			Version:      c.Remote.Version,
			Origin:       c.Remote.Origin,
			LastModified: c.Remote.LastModified,
		}); err != nil {
			return err
		}

		next, err := s.bumpVersionTx(tx, c.Local.ID, c.Local.Origin, lastModified)
		if err != nil {
			return err
		}

		rec := record.Record{
			ID:           c.Local.ID,
			Payload:      payload,
			Version:      next,
			Origin:       c.Local.Origin,
			LastModified: lastModified,
			Tombstone:    tombstone,
		}

		if err := s.upsertRecordTx(tx, &rec); err != nil {
			return err
		}

		op := record.OpUpdate
		if tombstone {
			op = record.OpDelete
		}

		if sequence != 0 {
			_, err = tx.Exec(
				`UPDATE change_log SET payload = ?, origin_version = ?, operation = ?,
				 status = 'pending', updated_at = ? WHERE sequence = ?`,
				nullBytes(payload), c.Remote.Version, string(op), s.now(), sequence)
			if err != nil {
				return fmt.Errorf("store: rewriting change %d after resolution: %w", sequence, err)
			}

			out.RepushSequence = sequence
		} else {
			seq, err := s.appendChangeTx(tx, op, c.Local.ID, payload, c.Remote.Version)
			if err != nil {
				return err
			}

			out.RepushSequence = seq
		}

		out.Record = rec
		out.RepushBaseVersion = c.Remote.Version

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// DeferConflict holds both sides of a conflict for external resolution and
// parks the originating change log entry back in pending. The entry is not
// re-pushed while the conflict is open and must never be marked applied
// before the decision.
func (s *Store) DeferConflict(ctx context.Context, sequence int64, c record.Conflict) (string, error) {
	var id string

	err := s.withTx(ctx, "defer conflict", func(tx *sql.Tx) error {
		var txErr error

		id, txErr = s.holdConflictTx(tx, c)
		if txErr != nil {
			return txErr
		}

		if sequence != 0 {
			return s.markChangeTx(tx, sequence, record.StatusPending)
		}

		return nil
	})

	return id, err
}

// ResolveHeldConflict settles a deferred conflict with an external
// decision. keepLocal re-bases the held local payload on the remote
// version and queues it for re-push; otherwise the remote side is adopted
// and any open entries for the record are marked applied. The caller holds
// the per-record lock.
func (s *Store) ResolveHeldConflict(ctx context.Context, id string, keepLocal bool) (*record.Record, error) {
	hc, err := s.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}

	if hc.Resolution != conflictUnresolved {
		return nil, fmt.Errorf("store: conflict %s already resolved as %s", id, hc.Resolution)
	}

	conflict := record.Conflict{
		Local:           hc.Local,
		Remote:          hc.Remote,
		AncestorVersion: hc.AncestorVersion,
	}

	var result record.Record

	err = s.withTx(ctx, "resolve held conflict", func(tx *sql.Tx) error {
		choice := conflictKeepRemote

		if keepLocal {
			choice = conflictKeepLocal

			if err := s.observeRemoteTx(tx, record.VersionStamp{
				RecordID:     conflict.Local.ID,
				Version:      conflict.Remote.Version,
				Origin:       conflict.Remote.Origin,
				LastModified: conflict.Remote.LastModified,
			}); err != nil {
				return err
			}

			next, err := s.bumpVersionTx(tx, conflict.Local.ID, conflict.Local.Origin, s.now())
			if err != nil {
				return err
			}

			result = conflict.Local
			result.Version = next

			if err := s.upsertRecordTx(tx, &result); err != nil {
				return err
			}

			// Re-base the oldest open entry for this record; append one if
			// the conflict came from the pull path.
			if err := s.rebaseOpenEntryTx(tx, &conflict); err != nil {
				return err
			}
		} else {
			result = conflict.Remote

			if err := s.upsertRecordTx(tx, &result); err != nil {
				return err
			}

			if err := s.observeRemoteTx(tx, record.VersionStamp{
				RecordID:     result.ID,
				Version:      result.Version,
				Origin:       result.Origin,
				LastModified: result.LastModified,
			}); err != nil {
				return err
			}

			// Local entries for the record were adjudicated against.
			_, err := tx.Exec(
				`UPDATE change_log SET status = 'applied', updated_at = ?
				 WHERE record_id = ? AND status IN ('pending', 'inflight')`,
				s.now(), result.ID)
			if err != nil {
				return fmt.Errorf("store: superseding entries for %s: %w", result.ID, err)
			}
		}

		_, err := tx.Exec(
			`UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE id = ?`,
			choice, s.now(), id)
		if err != nil {
			return fmt.Errorf("store: marking conflict %s resolved: %w", id, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// rebaseOpenEntryTx points the oldest open change entry for the conflicted
// record at the held local payload and the remote base version, or appends
// a fresh entry when none is open.
func (s *Store) rebaseOpenEntryTx(tx *sql.Tx, c *record.Conflict) error {
	op := record.OpUpdate
	if c.Local.Tombstone {
		op = record.OpDelete
	}

	var seq int64

	err := tx.QueryRow(
		`SELECT sequence FROM change_log
		 WHERE record_id = ? AND status IN ('pending', 'inflight')
		 ORDER BY sequence LIMIT 1`, c.Local.ID).Scan(&seq)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, appendErr := s.appendChangeTx(tx, op, c.Local.ID, c.Local.Payload, c.Remote.Version)
		return appendErr

	case err != nil:
		return fmt.Errorf("store: finding open entry for %s: %w", c.Local.ID, err)
	}

	_, err = tx.Exec(
		`UPDATE change_log SET payload = ?, origin_version = ?, operation = ?,
		 status = 'pending', updated_at = ? WHERE sequence = ?`,
		nullBytes(c.Local.Payload), c.Remote.Version, string(op), s.now(), seq)
	if err != nil {
		return fmt.Errorf("store: re-basing entry %d: %w", seq, err)
	}

	return nil
}
