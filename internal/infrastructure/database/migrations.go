package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// ErrNoDownScript is returned by Rollback when the latest migration has no
// .down.sql file.
var ErrNoDownScript = errors.New("database: migration has no down script")

// Migration is one schema step, loaded from a file pair named
// YYYYMMDD_HHMMSS_name.up.sql and YYYYMMDD_HHMMSS_name.down.sql.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	Up      string
	Down    string // optional
}

// MigrationState is a known migration and whether it has been applied.
type MigrationState struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// LoadMigrations reads the migrations at the root of fsys, oldest first.
// Files that do not follow the naming scheme are ignored.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	hasUp := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, ok := parseMigrationFilename(entry.Name())
		if !ok {
			continue
		}

		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		m, seen := byVersion[version]
		if !seen {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if up {
			m.Up = string(body)
			hasUp[version] = true
		} else {
			m.Down = string(body)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for version, m := range byVersion {
		if !hasUp[version] {
			return nil, fmt.Errorf("migration %s has no up script", version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate applies every pending migration in fsys, oldest first, and
// returns how many it applied. Each migration commits on its own, so a
// failure leaves the earlier ones in place and a re-run resumes there.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) (int, error) {
	migrations, applied, err := db.migrationState(ctx, fsys)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range migrations {
		if _, done := applied[m.Version]; done {
			continue
		}
		if err := db.runMigration(ctx, m.Version, m.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		}); err != nil {
			return count, fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
		count++
	}
	return count, nil
}

// Rollback reverts the most recently applied migration and returns its
// version, or "" when nothing is applied.
func (db *DB) Rollback(ctx context.Context, fsys fs.FS) (string, error) {
	migrations, applied, err := db.migrationState(ctx, fsys)
	if err != nil {
		return "", err
	}

	latest := ""
	for version := range applied {
		if version > latest {
			latest = version
		}
	}
	if latest == "" {
		return "", nil
	}

	i := sort.Search(len(migrations), func(i int) bool { return migrations[i].Version >= latest })
	if i == len(migrations) || migrations[i].Version != latest {
		return "", fmt.Errorf("applied migration %s not found", latest)
	}
	m := migrations[i]
	if m.Down == "" {
		return "", fmt.Errorf("rolling back %s: %w", m.Version, ErrNoDownScript)
	}

	if err := db.runMigration(ctx, m.Version, m.Down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	}); err != nil {
		return "", fmt.Errorf("rolling back %s: %w", m.Version, err)
	}
	return m.Version, nil
}

// MigrationStatus lists every migration in fsys with its applied state.
func (db *DB) MigrationStatus(ctx context.Context, fsys fs.FS) ([]MigrationState, error) {
	migrations, applied, err := db.migrationState(ctx, fsys)
	if err != nil {
		return nil, err
	}

	states := make([]MigrationState, 0, len(migrations))
	for _, m := range migrations {
		at, ok := applied[m.Version]
		states = append(states, MigrationState{
			Version:   m.Version,
			Name:      m.Name,
			Applied:   ok,
			AppliedAt: at,
		})
	}
	return states, nil
}

// migrationState loads fsys and the applied versions with their times.
func (db *DB) migrationState(ctx context.Context, fsys fs.FS) ([]Migration, map[string]time.Time, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return nil, nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[version], _ = time.Parse(time.RFC3339, at) //nolint:errcheck // Written by Migrate
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return migrations, applied, nil
}

// runMigration executes script and then record in one transaction.
func (db *DB) runMigration(ctx context.Context, version, script string, record func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("executing %s: %w", version, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("recording %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", version, err)
	}
	return nil
}

// parseMigrationFilename splits "20260301_120000_modem_history.up.sql" into
// version "20260301_120000", name "modem_history" and direction up.
func parseMigrationFilename(filename string) (version, name string, up, ok bool) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return "", "", false, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return "", "", false, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false, false
	}
	if len(parts) == 3 {
		name = parts[2]
	}
	return parts[0] + "_" + parts[1], name, up, true
}
