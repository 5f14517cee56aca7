package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jeffjacobsen/crystal/errors"
)

// DB wraps the sqlite handle holding sessions, output records, and worktree
// bindings. A single writer connection keeps sequence assignment race-free
// without database-level locking.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot create database directory")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot open database")
	}

	// sqlite allows one writer; a larger pool only manufactures SQLITE_BUSY
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) initSchema() error {
	if _, err := d.conn.Exec(schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot apply database schema")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	repo_path      TEXT NOT NULL,
	worktree_path  TEXT NOT NULL,
	branch         TEXT NOT NULL,
	status         TEXT NOT NULL,
	last_error     TEXT NOT NULL DEFAULT '',
	archived       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	last_viewed_at TIMESTAMP,
	completed_at   TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(archived);

CREATE TABLE IF NOT EXISTS output_records (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS worktrees (
	path       TEXT PRIMARY KEY,
	branch     TEXT NOT NULL,
	repo_path  TEXT NOT NULL,
	session_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`
