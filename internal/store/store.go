// Package store provides the durable state of the sync engine: the local
// record store, the version store, the append-only change log, the remote
// pull checkpoint, and the ledger of deferred conflicts. Everything lives
// in a single SQLite database so related updates can share one transaction
// boundary, which is what makes resolution application atomic.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record, stamp, or conflict does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the sole writer to the sync database. The application write path
// and the sync engine both go through it; per-record serialization is
// provided by the keyed lock, and SQLite-level contention is avoided by the
// single-connection pool.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	locks   *keyedMutex
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (creating if necessary) the SQLite database at dbPath, applies
// pragmas and migrations, and returns a ready-to-use Store. The database
// uses WAL mode with synchronous=FULL: change log appends must be durable
// before a local mutation is reported as succeeded.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sync state database ready", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		locks:   newKeyedMutex(),
		nowFunc: time.Now,
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance operations (backup
// snapshots). Regular callers use the typed methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// LockRecord acquires the per-record critical section for recordID.
// Mutations to the same record are serialized through it; mutations to
// different records proceed concurrently. Callers must not hold the lock
// across network I/O.
func (s *Store) LockRecord(recordID string) {
	s.locks.Lock(recordID)
}

// UnlockRecord releases the per-record critical section.
func (s *Store) UnlockRecord(recordID string) {
	s.locks.Unlock(recordID)
}

// now returns the current time in Unix nanoseconds via the injectable clock.
func (s *Store) now() int64 {
	return s.nowFunc().UnixNano()
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. The desc appears in wrapped errors for debugging.
func (s *Store) withTx(ctx context.Context, desc string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin %s: %w", desc, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit %s: %w", desc, err)
	}

	return nil
}
