// Package storedb opens the session-record database and brings its schema up
// to date. One iofault process is the only writer, so the pool is pinned to a
// single connection and no cross-process init locking is needed.
package storedb

import (
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jingkaihe/iofault/internal/errx"
	_ "modernc.org/sqlite"
)

type Migration struct {
	Version int
	Name    string
	SQL     string
}

func Open(path string, migrations []Migration) (*sql.DB, error) {
	if path == "" {
		return nil, ErrDBPathRequired
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configure(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 15000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errx.With(ErrConfigureDB, ": %s: %w", pragma, err)
		}
	}
	return nil
}

func migrate(db *sql.DB, migrations []Migration) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`); err != nil {
		return errx.Wrap(ErrApplyMigration, err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	seen := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		if seen[m.Version] {
			return errx.With(ErrDuplicateMigration, ": version %d", m.Version)
		}
		seen[m.Version] = true
	}

	applied := make(map[int]bool, len(migrations))
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return errx.Wrap(ErrApplyMigration, err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return errx.Wrap(ErrApplyMigration, err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return errx.Wrap(ErrApplyMigration, err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return errx.With(ErrApplyMigration, ": begin %d %s: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return errx.With(ErrApplyMigration, ": %d %s: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			_ = tx.Rollback()
			return errx.With(ErrApplyMigration, ": record %d %s: %w", m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return errx.With(ErrApplyMigration, ": commit %d %s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}
