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
	"strings"
	"time"

	"microq/internal/models"
)

const projectColumns = `id, name, created_at, created_by, processing_image_url, environment, deadline,
	nr_added, nr_claimed, nr_finished, nr_failed, processing_time_total, last_added_at, last_claimed_at`

func scanProject(row *sql.Row) (*models.Project, error) {
	var p models.Project
	var deadline, lastAdded, lastClaimed sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.CreatedBy, &p.ProcessingImageURL, &p.Environment,
		&deadline, &p.NrAdded, &p.NrClaimed, &p.NrFinished, &p.NrFailed, &p.ProcessingTimeTotal,
		&lastAdded, &lastClaimed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if deadline.Valid {
		p.Deadline = &deadline.Time
	}
	if lastAdded.Valid {
		p.LastAddedAt = &lastAdded.Time
	}
	if lastClaimed.Valid {
		p.LastClaimedAt = &lastClaimed.Time
	}
	return &p, nil
}

// InsertProject creates the project row and lazily creates its job table.
// name defaults to id when fields["name"] is absent. Fails with ErrConflict
// on duplicate id.
func (db *DB) InsertProject(ctx context.Context, id, creator string, fields map[string]string) (*models.Project, error) {
	if !ValidProjectID(id) {
		return nil, ErrInvalidID
	}

	name := id
	if v, ok := fields["name"]; ok && v != "" {
		name = v
	}
	env := fields["environment"]
	if env == "" {
		env = "{}"
	}
	processingImage := fields["processing_image_url"]

	var deadline sql.NullTime
	if v, ok := fields["deadline"]; ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad deadline format", ErrInvalidField)
		}
		deadline = sql.NullTime{Time: t, Valid: true}
	}

	now := time.Now().UTC()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO projects
			(id, name, created_at, created_by, processing_image_url, environment, deadline)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, name, now, creator, processingImage, env, deadline)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert project: %w", err)
		}

		_, err = tx.ExecContext(ctx, createJobsTableDDL(id))
		if err != nil {
			return fmt.Errorf("create job table: %w", err)
		}
		for _, stmt := range jobsTableIndexDDL(id) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create job table index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return db.GetProject(ctx, id)
}

// GetProject returns a single project, or ErrNotFound.
func (db *DB) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns projects matching an optional name/created_by
// equality filter, optionally restricted to active projects
// (nr_added > nr_claimed), ordered by id, bounded by limit (0 = no limit).
func (db *DB) ListProjects(ctx context.Context, match map[string]string, onlyActive bool, limit int) ([]models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var where []string
	var args []any
	for _, col := range []string{"name", "created_by"} {
		if v, ok := match[col]; ok {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	if onlyActive {
		where = append(where, "nr_added > nr_claimed")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		var deadline, lastAdded, lastClaimed sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.CreatedBy, &p.ProcessingImageURL, &p.Environment,
			&deadline, &p.NrAdded, &p.NrClaimed, &p.NrFinished, &p.NrFailed, &p.ProcessingTimeTotal,
			&lastAdded, &lastClaimed); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if deadline.Valid {
			p.Deadline = &deadline.Time
		}
		if lastAdded.Valid {
			p.LastAddedAt = &lastAdded.Time
		}
		if lastClaimed.Valid {
			p.LastClaimedAt = &lastClaimed.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject applies settable field overwrites and incremental deltas in
// one statement. Rejects any key outside models.ProjectSettableFields /
// models.ProjectIncrementalFields.
func (db *DB) UpdateProject(ctx context.Context, id string, settable map[string]string, incremental map[string]float64) error {
	for k := range settable {
		if !models.ProjectSettableFields[k] {
			return fmt.Errorf("%w: %s is not settable", ErrInvalidField, k)
		}
	}
	for k := range incremental {
		if !models.ProjectIncrementalFields[k] {
			return fmt.Errorf("%w: %s is not incremental", ErrInvalidField, k)
		}
	}
	if len(settable) == 0 && len(incremental) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for k, v := range settable {
		sets = append(sets, k+" = ?")
		args = append(args, v)
	}
	for k, v := range incremental {
		sets = append(sets, fmt.Sprintf("%s = %s + ?", k, k))
		args = append(args, v)
	}
	args = append(args, id)

	res, err := db.conn.ExecContext(ctx, `UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveProject deletes the project row and drops its job table.
func (db *DB) RemoveProject(ctx context.Context, id string) error {
	if !ValidProjectID(id) {
		return ErrInvalidID
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete project rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+jobsTableName(id))
		if err != nil {
			return fmt.Errorf("drop job table: %w", err)
		}
		return nil
	})
}

// --- C5 notification hooks, called from within the caller's transaction ---

// notifyJobAdded bumps nr_added and last_added_at by delta new job rows.
func notifyJobAdded(ctx context.Context, tx *sql.Tx, projectID string, delta int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET nr_added = nr_added + ?, last_added_at = ? WHERE id = ?`,
		delta, now, projectID)
	return err
}

// notifyJobClaimed bumps nr_claimed and last_claimed_at for one claim.
func notifyJobClaimed(ctx context.Context, tx *sql.Tx, projectID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET nr_claimed = nr_claimed + 1, last_claimed_at = ? WHERE id = ?`,
		now, projectID)
	return err
}

// notifyJobUnclaimed reverses a claim; if wasFailed, also reverses the
// nr_failed bump so a released-and-retried job does not double-count.
func notifyJobUnclaimed(ctx context.Context, tx *sql.Tx, projectID string, wasFailed bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET nr_claimed = nr_claimed - 1 WHERE id = ?`, projectID)
	if err != nil {
		return err
	}
	if wasFailed {
		_, err = tx.ExecContext(ctx, `UPDATE projects SET nr_failed = nr_failed - 1 WHERE id = ?`, projectID)
	}
	return err
}

// notifyJobFinished bumps nr_finished and processing_time_total.
func notifyJobFinished(ctx context.Context, tx *sql.Tx, projectID string, deltaTime float64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE projects SET nr_finished = nr_finished + 1, processing_time_total = processing_time_total + ? WHERE id = ?`,
		deltaTime, projectID)
	return err
}

// notifyJobFailed bumps nr_failed and processing_time_total.
func notifyJobFailed(ctx context.Context, tx *sql.Tx, projectID string, deltaTime float64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE projects SET nr_failed = nr_failed + 1, processing_time_total = processing_time_total + ? WHERE id = ?`,
		deltaTime, projectID)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
