// Package store provides SQLite persistence for users, projects, chunks and API keys.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	email       TEXT NOT NULL DEFAULT '',
	kek_salt    BLOB NOT NULL CHECK (length(kek_salt) = 16),
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS users_kek_salt_immutable
BEFORE UPDATE OF kek_salt ON users
WHEN OLD.kek_salt IS NOT NEW.kek_salt
BEGIN
	SELECT RAISE(ABORT, 'kek_salt is immutable');
END;

CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL REFERENCES users(id),
	name          TEXT NOT NULL,
	encrypted_dek BLOB,
	dek_nonce     BLOB,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK ((encrypted_dek IS NULL) = (dek_nonce IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);

CREATE TABLE IF NOT EXISTS chunks (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	source     TEXT NOT NULL DEFAULT '',
	content    TEXT,
	ciphertext BLOB,
	nonce      BLOB,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id, created_at);

CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	hash       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// DB wraps a sql.DB with the vault's persistence operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Ping checks the connection. Used by the readiness probe.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// nullable binds empty byte slices as SQL NULL.
func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
