// Package localdb is the embedded SQLite store for enhanced-memory records
// and proactive insights. It needs no external service.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_records (
    id            TEXT PRIMARY KEY,
    content       TEXT NOT NULL,
    category      TEXT NOT NULL,
    priority      INTEGER NOT NULL,
    importance    REAL NOT NULL,
    created_at    TEXT NOT NULL,
    last_accessed TEXT NOT NULL,
    access_count  INTEGER NOT NULL DEFAULT 0,
    source        TEXT NOT NULL DEFAULT '',
    metadata      TEXT
);
CREATE INDEX IF NOT EXISTS memory_records_category_idx ON memory_records (category);

CREATE TABLE IF NOT EXISTS insights (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    insight_type TEXT NOT NULL,
    content      TEXT NOT NULL,
    confidence   REAL NOT NULL,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS insights_user_idx ON insights (user_id, created_at);
`

// DB wraps the SQLite connection.
type DB struct {
	conn   *sql.DB
	logger *zap.Logger
}

// Open opens or creates the database at path. ":memory:" opens a
// private in-memory database.
func Open(path string, logger *zap.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps writers serialized and makes ":memory:" one database.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("SQLite opened", zap.String("path", path))
	return &DB{conn: conn, logger: logger}, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
