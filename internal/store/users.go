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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"microq/internal/models"
)

// CreateUser inserts a new user row. Fails with ErrConflict on duplicate
// username.
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.Enabled, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func scanUser(row interface{ Scan(dest ...any) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Enabled, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// GetUser returns a user by id.
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, enabled, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername returns a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, enabled, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// DeleteUser removes a user (and, via FK cascade, its tokens).
func (db *DB) DeleteUser(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the number of user rows, used to decide whether to
// bootstrap a default admin on startup.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CreateToken issues a bearer token for userID, valid until expiresAt.
func (db *DB) CreateToken(ctx context.Context, tok *models.Token) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO tokens (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		tok.Value, tok.UserID, tok.ExpiresAt, tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// GetUserByToken resolves a bearer token to its owning user, rejecting
// expired tokens.
func (db *DB) GetUserByToken(ctx context.Context, token string) (*models.User, error) {
	var expiresAt time.Time
	var userID string
	err := db.conn.QueryRowContext(ctx, `SELECT user_id, expires_at FROM tokens WHERE token = ?`, token).
		Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, ErrNotFound
	}
	return db.GetUser(ctx, userID)
}
