// Package localstore is a SQLite-backed implementation of gateway.Gateway
// with the same notes/projects schema as the remote store.
package localstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const nowUTC = `(strftime('%Y-%m-%d %H:%M:%f+00:00', 'now'))`

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL CHECK (length(trim(name)) > 0),
	purpose     TEXT,
	goal        TEXT,
	is_archived BOOLEAN NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT ` + nowUTC + `,
	updated_at  DATETIME NOT NULL DEFAULT ` + nowUTC + `
);

CREATE TABLE IF NOT EXISTS notes (
	id                     TEXT PRIMARY KEY,
	transcript             TEXT NOT NULL DEFAULT '',
	created_at             DATETIME NOT NULL DEFAULT ` + nowUTC + `,
	modified_at            DATETIME,
	is_processed           BOOLEAN NOT NULL DEFAULT 0,
	transcription_status   TEXT NOT NULL DEFAULT 'pending',
	word_count             INTEGER NOT NULL DEFAULT 0 CHECK (word_count >= 0),
	audio_duration_seconds REAL,
	project_id             TEXT REFERENCES projects(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_inbox ON notes(project_id, is_processed, transcription_status);
CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at);
CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at);
`

// Store wraps a sql.DB and answers gateway queries with SQL.
type Store struct {
	conn   *sql.DB
	path   string
	tables map[string]map[string]string
}

// Open opens (or creates) the SQLite database at path and applies the schema.
// The pool is limited to one connection so PRAGMA data_version only moves
// when another process commits.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("localstore: open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localstore: apply schema: %w", err)
	}
	s := &Store{conn: conn, path: path}
	if err := s.loadColumns(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// loadColumns records the declared columns of every table so identifiers in
// queries can be checked before they are spliced into SQL.
func (s *Store) loadColumns() error {
	s.tables = make(map[string]map[string]string)
	for _, table := range []string{"notes", "projects"} {
		rows, err := s.conn.Query(`SELECT name, type FROM pragma_table_info(?)`, table)
		if err != nil {
			return fmt.Errorf("localstore: table info %s: %w", table, err)
		}
		cols := make(map[string]string)
		for rows.Next() {
			var name, typ string
			if err := rows.Scan(&name, &typ); err != nil {
				rows.Close()
				return err
			}
			cols[name] = strings.ToUpper(typ)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		s.tables[table] = cols
	}
	return nil
}

// dataVersion returns PRAGMA data_version for the pooled connection.
func (s *Store) dataVersion() (int64, error) {
	var v int64
	err := s.conn.QueryRow(`PRAGMA data_version`).Scan(&v)
	return v, err
}
