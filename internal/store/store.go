// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store backs the project registry (C2) and the per-project job
// tables (C1), including the single-claim guarantee (C3).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	_ "modernc.org/sqlite"
)

// DB wraps the pooled sqlite connection shared by the project registry and
// every per-project job table.
type DB struct {
	conn *sql.DB
}

// projectIDPattern matches the project id grammar: starts with a letter,
// then alnum, at most 64 chars. Table names are built by direct
// interpolation (sqlite identifiers can't be bound as query parameters), so
// every caller-supplied project id must pass this check before it ever
// reaches a CREATE/DROP/SELECT ... FROM statement.
var projectIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{0,63}$`)

// ValidProjectID reports whether id satisfies the project id grammar.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

// New opens the backing database and configures the pool per the
// concurrency model (size ~30, no overflow).
func New(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(30)
	conn.SetMaxIdleConns(30)
	conn.SetConnMaxLifetime(600 * 1e9)  // 600s, recycle
	conn.SetConnMaxIdleTime(180 * 1e9) // 180s, idle timeout

	return &DB{conn: conn}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate creates the projects/users/tokens tables. Per-project job tables
// are created lazily by InsertProject.
func (db *DB) Migrate(ctx context.Context) error {
	slog.Info("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			created_by TEXT NOT NULL,
			processing_image_url TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '{}',
			deadline DATETIME,
			nr_added INTEGER NOT NULL DEFAULT 0,
			nr_claimed INTEGER NOT NULL DEFAULT 0,
			nr_finished INTEGER NOT NULL DEFAULT 0,
			nr_failed INTEGER NOT NULL DEFAULT 0,
			processing_time_total REAL NOT NULL DEFAULT 0,
			last_added_at DATETIME,
			last_claimed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_deadline ON projects(deadline)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			enabled BOOLEAN NOT NULL DEFAULT true,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at)`,
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return tx.Commit()
}

// jobsTableName returns the per-project job table name. Callers must have
// already validated id with ValidProjectID.
func jobsTableName(id string) string {
	return "jobs_" + id
}
