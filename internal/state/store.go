// Package state persists the client's last-synced view of its scan root
// between runs. The store is an embedded SQLite database in WAL mode with
// schema migrations applied on open. State is advisory: a missing or
// discarded database only costs the next round its hash fast-path.
package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lastSyncKey is the meta table key holding the last successful round's
// completion time in RFC 3339.
const lastSyncKey = "last_sync_utc"

// Entry is the persisted record of one file as of the last successful
// round: size, mtime truncated to seconds, and the sha256 transmitted in
// that round's complete request (empty if the file was not uploaded).
type Entry struct {
	Path     string
	Size     int64
	MtimeUTC time.Time
	SHA256   string
}

// Store is the SQLite-backed sync state database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the state database at dbPath and applies
// pending migrations. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("state: creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", dbPath, err)
	}

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("state database ready", slog.String("path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("state: %s: %w", pragma, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("state: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("state: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("state: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied state migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Load returns all persisted entries keyed by lowercased path, matching
// the protocol's case-insensitive path comparison.
func (s *Store) Load(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, size, mtime_unix, sha256 FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("state: loading entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)

	for rows.Next() {
		var e Entry
		var mtime int64

		if err := rows.Scan(&e.Path, &e.Size, &mtime, &e.SHA256); err != nil {
			return nil, fmt.Errorf("state: scanning entry: %w", err)
		}

		e.MtimeUTC = time.Unix(mtime, 0).UTC()
		entries[strings.ToLower(e.Path)] = e
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating entries: %w", err)
	}

	return entries, nil
}

// LastSync returns the completion time of the last successful round, or
// the zero time if no round has completed.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var raw string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, lastSyncKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("state: reading last sync: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("state: parsing last sync %q: %w", raw, err)
	}

	return t, nil
}

// Replace atomically swaps the persisted entries for the given set and
// stamps the last-sync time. Called only after a fully successful round;
// a failed round leaves the previous state untouched.
func (s *Store) Replace(ctx context.Context, entries []Entry, lastSync time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: beginning replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("state: clearing entries: %w", err)
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entries (path, size, mtime_unix, sha256) VALUES (?, ?, ?, ?)`,
			e.Path, e.Size, e.MtimeUTC.UTC().Unix(), e.SHA256,
		)
		if err != nil {
			return fmt.Errorf("state: inserting entry %q: %w", e.Path, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, lastSync.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("state: stamping last sync: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: committing replace: %w", err)
	}

	s.logger.Debug("state replaced", slog.Int("entries", len(entries)))

	return nil
}
