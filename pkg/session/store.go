package session

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/jingkaihe/iofault/internal/errx"
	"github.com/jingkaihe/iofault/pkg/hijack"
	"github.com/jingkaihe/iofault/pkg/storedb"
)

// Record is the durable view of one session, persisted so ps and gc can see
// sessions owned by other (possibly dead) processes.
type Record struct {
	ID          string           `json:"id"`
	Pid         int              `json:"pid"`
	Path        string           `json:"path"`
	Phase       Phase            `json:"phase"`
	SessionDir  string           `json:"session_dir"`
	ShadowPath  string           `json:"shadow_path"`
	BackingPath string           `json:"backing_path"`
	SocketPath  string           `json:"socket_path"`
	Hijacks     []*hijack.Record `json:"hijacks,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Store persists session records in sqlite under the runtime dir.
type Store struct {
	db *sql.DB
}

func storeMigrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_sessions",
			SQL: `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  pid INTEGER NOT NULL,
  path TEXT NOT NULL,
  phase TEXT NOT NULL,
  session_dir TEXT NOT NULL,
  shadow_path TEXT NOT NULL DEFAULT '',
  backing_path TEXT NOT NULL DEFAULT '',
  socket_path TEXT NOT NULL DEFAULT '',
  hijacks_json TEXT NOT NULL DEFAULT '[]',
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_phase ON sessions(phase);
`,
		},
	}
}

func OpenStore(runtimeDir string) (*Store, error) {
	db, err := storedb.Open(filepath.Join(runtimeDir, "sessions.db"), storeMigrations())
	if err != nil {
		return nil, errx.Wrap(ErrOpenStore, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(rec *Record) error {
	hijacks, err := json.Marshal(rec.Hijacks)
	if err != nil {
		return errx.Wrap(ErrStore, err)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.Exec(`
INSERT INTO sessions (id, pid, path, phase, session_dir, shadow_path, backing_path, socket_path, hijacks_json, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  pid = excluded.pid,
  path = excluded.path,
  phase = excluded.phase,
  session_dir = excluded.session_dir,
  shadow_path = excluded.shadow_path,
  backing_path = excluded.backing_path,
  socket_path = excluded.socket_path,
  hijacks_json = excluded.hijacks_json,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at`,
		rec.ID, rec.Pid, rec.Path, string(rec.Phase), rec.SessionDir,
		rec.ShadowPath, rec.BackingPath, rec.SocketPath, string(hijacks),
		rec.LastError,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return errx.Wrap(ErrStore, err)
	}
	return nil
}

func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`
SELECT id, pid, path, phase, session_dir, shadow_path, backing_path, socket_path, hijacks_json, last_error, created_at, updated_at
FROM sessions WHERE id = ?`, id)
	return scanRecord(row.Scan)
}

func (s *Store) List() ([]*Record, error) {
	rows, err := s.db.Query(`
SELECT id, pid, path, phase, session_dir, shadow_path, backing_path, socket_path, hijacks_json, last_error, created_at, updated_at
FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, errx.Wrap(ErrStore, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrStore, err)
	}
	return records, nil
}

func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return errx.Wrap(ErrStore, err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		rec                  Record
		phase, hijacks       string
		createdAt, updatedAt string
	)
	if err := scan(&rec.ID, &rec.Pid, &rec.Path, &phase, &rec.SessionDir,
		&rec.ShadowPath, &rec.BackingPath, &rec.SocketPath, &hijacks,
		&rec.LastError, &createdAt, &updatedAt); err != nil {
		return nil, errx.Wrap(ErrStore, err)
	}
	rec.Phase = Phase(phase)
	if err := json.Unmarshal([]byte(hijacks), &rec.Hijacks); err != nil {
		return nil, errx.Wrap(ErrStore, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}
