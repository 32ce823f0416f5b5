package database

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"

	migrationTimeLayout = "2006-01-02T15:04:05.000Z"
)

var (
	sourceMu sync.RWMutex
	source   fs.FS
)

// RegisterMigrations sets the filesystem Migrate reads from. The top-level
// migrations package calls it from init, so a blank import of that package
// is enough to make Migrate apply the machine schema.
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

// Migration is one schema step, read from a
// YYYYMMDD_HHMMSS_name.up.sql / .down.sql pair.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Migrate applies every pending registered migration. With nothing
// registered it only ensures the bookkeeping table exists.
func (db *DB) Migrate(ctx context.Context) error {
	return db.MigrateFS(ctx, registeredMigrations())
}

// MigrateFS applies the pending migrations found in fsys, oldest first.
// Each migration commits in its own transaction, so a failure leaves the
// earlier ones applied and a later run resumes at the failed one.
func (db *DB) MigrateFS(ctx context.Context, fsys fs.FS) error {
	migrations, err := ReadMigrations(fsys)
	if err != nil {
		return err
	}
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts the most recently applied migration found in fsys.
// It is a no-op when nothing is applied.
func (db *DB) Rollback(ctx context.Context, fsys fs.FS) error {
	migrations, err := ReadMigrations(fsys)
	if err != nil {
		return err
	}
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	var latest string
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), '') FROM schema_migrations`).Scan(&latest)
	if err != nil {
		return fmt.Errorf("reading latest migration: %w", err)
	}
	if latest == "" {
		return nil
	}

	i := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == latest })
	if i < 0 {
		return fmt.Errorf("migration %s is applied but has no files", latest)
	}
	m := migrations[i]

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting rollback of %s: %w", m.Version, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.Down); err != nil {
		return fmt.Errorf("rolling back %s (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
		return fmt.Errorf("unrecording migration %s: %w", m.Version, err)
	}
	return tx.Commit()
}

// Status lists every migration in fsys with its applied state.
func (db *DB) Status(ctx context.Context, fsys fs.FS) ([]MigrationStatus, error) {
	migrations, err := ReadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		at, ok := applied[m.Version]
		out = append(out, MigrationStatus{Version: m.Version, Name: m.Name, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		t, err := time.Parse(migrationTimeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("parsing applied_at for %s: %w", version, err)
		}
		applied[version] = t
	}
	return applied, rows.Err()
}

func (db *DB) applyMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(migrationTimeLayout))
	if err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// ReadMigrations loads the migration pairs at the root of fsys, sorted by
// version. A nil fsys has no migrations. Every up file needs a matching
// down file.
func ReadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}

	ups, err := fs.Glob(fsys, "*"+upSuffix)
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(ups))
	seen := make(map[string]string, len(ups))
	for _, file := range ups {
		base := strings.TrimSuffix(file, upSuffix)
		version, name, ok := splitMigrationName(base)
		if !ok {
			return nil, fmt.Errorf("migration %q: name must be YYYYMMDD_HHMMSS_description", file)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %q and %q share version %s", prev, file, version)
		}
		seen[version] = file

		up, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		down, err := fs.ReadFile(fsys, base+downSuffix)
		if err != nil {
			return nil, fmt.Errorf("reading down migration for %s: %w", file, err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			Up:      string(up),
			Down:    string(down),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return migrations, nil
}

// splitMigrationName splits "20260101_000000_machine_schema" into
// version "20260101_000000" and name "machine_schema".
func splitMigrationName(base string) (version, name string, ok bool) {
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", "", false
	}
	if !allDigits(parts[0], 8) || !allDigits(parts[1], 6) {
		return "", "", false
	}
	return parts[0] + "_" + parts[1], parts[2], true
}

func allDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
