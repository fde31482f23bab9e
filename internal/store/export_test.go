package store

import "database/sql"

// ExecForTest runs raw SQL against the connection.
func (db *DB) ExecForTest(query string, args ...any) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}
