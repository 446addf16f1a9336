// Package backup produces consistent snapshots of the state database,
// keeps a bounded set of local snapshots, and optionally uploads each
// snapshot to object storage.
package backup

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot file naming. The timestamp sorts lexically, so retention can
// prune by name.
const (
	snapshotPrefix  = "state-"
	snapshotSuffix  = ".db.gz"
	snapshotTimeFmt = "20060102-150405"
)

// Uploader sends a finished snapshot to remote storage. Implemented by
// *S3Uploader; tests inject fakes.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) error
}

// Manager creates and prunes snapshots.
type Manager struct {
	db       *sql.DB
	dir      string
	retain   int
	uploader Uploader // nil disables remote upload
	logger   *slog.Logger

	nowFunc func() time.Time
}

// NewManager creates a Manager writing snapshots to dir. retain bounds the
// local snapshots kept after each run; zero keeps everything.
func NewManager(db *sql.DB, dir string, retain int, uploader Uploader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		db:       db,
		dir:      dir,
		retain:   retain,
		uploader: uploader,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Snapshot writes a consistent, compressed copy of the state database and
// returns its path. The copy is taken with VACUUM INTO, which produces a
// coherent database even while the engine is writing. After a successful
// local snapshot the uploader runs, then retention prunes old snapshots;
// an upload failure leaves the local snapshot in place and is returned.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", fmt.Errorf("backup: creating snapshot dir: %w", err)
	}

	name := snapshotPrefix + m.nowFunc().UTC().Format(snapshotTimeFmt) + snapshotSuffix
	finalPath := filepath.Join(m.dir, name)
	rawPath := finalPath + ".tmp"

	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, rawPath); err != nil {
		return "", fmt.Errorf("backup: vacuuming database: %w", err)
	}
	defer os.Remove(rawPath)

	if err := compressFile(rawPath, finalPath); err != nil {
		os.Remove(finalPath)

		return "", err
	}

	m.logger.Info("snapshot written", slog.String("path", finalPath))

	if m.uploader != nil {
		if err := m.upload(ctx, name, finalPath); err != nil {
			return finalPath, err
		}
	}

	if err := m.Prune(); err != nil {
		return finalPath, err
	}

	return finalPath, nil
}

func (m *Manager) upload(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backup: opening snapshot for upload: %w", err)
	}
	defer f.Close()

	if err := m.uploader.Upload(ctx, name, f); err != nil {
		return fmt.Errorf("backup: uploading snapshot %s: %w", name, err)
	}

	m.logger.Info("snapshot uploaded", slog.String("name", name))

	return nil
}

// Prune deletes the oldest local snapshots beyond the retention count.
func (m *Manager) Prune() error {
	if m.retain <= 0 {
		return nil
	}

	snapshots, err := m.List()
	if err != nil {
		return err
	}

	if len(snapshots) <= m.retain {
		return nil
	}

	for _, name := range snapshots[:len(snapshots)-m.retain] {
		path := filepath.Join(m.dir, name)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("backup: pruning %s: %w", name, err)
		}

		m.logger.Debug("snapshot pruned", slog.String("name", name))
	}

	return nil
}

// List returns local snapshot names, oldest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("backup: listing snapshots: %w", err)
	}

	var names []string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("backup: opening raw snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("backup: creating snapshot file: %w", err)
	}

	gz := gzip.NewWriter(out)

	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()

		return fmt.Errorf("backup: compressing snapshot: %w", err)
	}

	if err := gz.Close(); err != nil {
		out.Close()

		return fmt.Errorf("backup: finishing compression: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("backup: closing snapshot file: %w", err)
	}

	return nil
}
