package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMigrationDrift means an applied migration file no longer matches
	// the checksum recorded when it ran.
	ErrMigrationDrift = errors.New("database: applied migration was modified")

	// ErrNoDownMigration is returned by Rollback when the latest migration
	// has no .down.sql file, or its file is gone.
	ErrNoDownMigration = errors.New("database: no down migration")
)

var (
	sourceMu sync.RWMutex
	source   fs.FS
)

// RegisterMigrations sets the filesystem migrations are read from. Files sit
// at its root and are named YYYYMMDD_HHMMSS_name.up.sql (or .down.sql).
// The migrations package registers its embedded files at init.
func RegisterMigrations(fsys fs.FS) {
	sourceMu.Lock()
	source = fsys
	sourceMu.Unlock()
}

func registeredMigrations() fs.FS {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return source
}

// Migration is a single schema change.
type Migration struct {
	// Version is YYYYMMDD_HHMMSS taken from the filename.
	Version  string
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   string
	Checksum  string
	AppliedAt time.Time
}

// MigrationStatus compares the schema_migrations table with the registered files.
type MigrationStatus struct {
	Applied []AppliedMigration
	Pending []Migration
	// Drifted lists applied versions whose file checksum changed.
	Drifted []string
}

// Migrate applies all pending migrations in version order and returns how many ran.
//
// Each migration runs in its own transaction. When migration N fails, 1..N-1
// stay committed, N is rolled back and nothing after N is attempted; running
// Migrate again resumes at N. Nothing runs while an applied file has drifted.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	status, err := db.MigrationStatus(ctx)
	if err != nil {
		return 0, err
	}
	if len(status.Drifted) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrMigrationDrift, strings.Join(status.Drifted, ", "))
	}

	for i, m := range status.Pending {
		if err := db.apply(ctx, m); err != nil {
			return i, fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return len(status.Pending), nil
}

// Rollback runs the down file of the most recent migration and returns its
// version, or "" when nothing is applied.
func (db *DB) Rollback(ctx context.Context) (string, error) {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return "", err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", nil
	}
	latest := applied[len(applied)-1].Version

	known, err := loadMigrations()
	if err != nil {
		return "", err
	}
	m, ok := known[latest]
	if !ok || m.DownSQL == "" {
		return "", fmt.Errorf("%w for %s", ErrNoDownMigration, latest)
	}

	err = db.inTx(ctx, func(exec execer) error {
		if _, err := exec.ExecContext(ctx, m.DownSQL); err != nil {
			return fmt.Errorf("executing down SQL: %w", err)
		}
		_, err := exec.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("rolling back %s: %w", m.Version, err)
	}
	return m.Version, nil
}

// MigrationStatus reports applied, pending and drifted migrations.
func (db *DB) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	var status MigrationStatus
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return status, err
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return status, err
	}
	known, err := loadMigrations()
	if err != nil {
		return status, err
	}
	status.Applied = applied

	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
		// Rows written before checksums were recorded carry an empty value.
		if m, ok := known[a.Version]; ok && a.Checksum != "" && a.Checksum != m.Checksum {
			status.Drifted = append(status.Drifted, a.Version)
		}
	}
	for _, m := range sortedMigrations(known) {
		if !done[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT version, checksum, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a  AppliedMigration
			at string
		)
		if err := rows.Scan(&a.Version, &a.Checksum, &at); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by apply in this format
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	return db.inTx(ctx, func(exec execer) error {
		if _, err := exec.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("executing SQL: %w", err)
		}
		_, err := exec.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Checksum, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// migrationFile is a parsed migration filename.
type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFile splits "20261012_090000_device_events.up.sql" into its
// version, name and direction. ok is false for files that are not migrations.
func parseMigrationFile(filename string) (f migrationFile, ok bool) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return f, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, f.up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return f, false
	}

	date, rest, found := strings.Cut(base, "_")
	if !found || date == "" || rest == "" {
		return f, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	f.version = date + "_" + clock
	f.name = name
	if f.name == "" {
		f.name = f.version
	}
	return f, true
}

// loadMigrations reads the registered filesystem, keyed by version.
func loadMigrations() (map[string]Migration, error) {
	fsys := registeredMigrations()
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	out := make(map[string]Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, ok := parseMigrationFile(entry.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		m := out[f.version]
		m.Version = f.version
		if f.up {
			if m.UpSQL != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", f.version)
			}
			m.Name = f.name
			m.UpSQL = string(body)
			sum := sha256.Sum256(body)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.DownSQL = string(body)
		}
		out[f.version] = m
	}

	// A down file without its up file is not a migration.
	for v, m := range out {
		if m.UpSQL == "" {
			delete(out, v)
		}
	}
	return out, nil
}

func sortedMigrations(set map[string]Migration) []Migration {
	out := make([]Migration, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
