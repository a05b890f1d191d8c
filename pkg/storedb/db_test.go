package storedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAppliesMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	db, err := Open(dbPath, []Migration{
		{Version: 1, Name: "create_sessions", SQL: `CREATE TABLE sessions (id TEXT PRIMARY KEY)`},
	})
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 1, count)

	_, err = db.Exec(`INSERT INTO sessions(id) VALUES ('s1')`)
	require.NoError(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	migrations := []Migration{
		{Version: 1, Name: "create_sessions", SQL: `CREATE TABLE sessions (id TEXT PRIMARY KEY)`},
	}

	db, err := Open(dbPath, migrations)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dbPath, migrations)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestOpenRejectsDuplicateVersions(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "sessions.db"), []Migration{
		{Version: 1, Name: "a", SQL: `CREATE TABLE a (id TEXT)`},
		{Version: 1, Name: "b", SQL: `CREATE TABLE b (id TEXT)`},
	})
	require.ErrorIs(t, err, ErrDuplicateMigration)
}

func TestOpenBrokenMigrationNotRecorded(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	_, err := Open(dbPath, []Migration{
		{Version: 1, Name: "ok", SQL: `CREATE TABLE ok (id TEXT)`},
		{Version: 2, Name: "broken", SQL: `THIS IS NOT SQL`},
	})
	require.ErrorIs(t, err, ErrApplyMigration)

	db, err := Open(dbPath, []Migration{
		{Version: 1, Name: "ok", SQL: `CREATE TABLE ok (id TEXT)`},
	})
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = 2`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", nil)
	require.ErrorIs(t, err, ErrDBPathRequired)
}
