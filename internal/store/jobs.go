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

const jobColumns = `id, type, source_url, target_url, view_result_url, current_status, claimed,
	worker, worker_output, added_at, claimed_at, finished_at, failed_at, processing_time`

func createJobsTableDDL(projectID string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL,
		target_url TEXT NOT NULL DEFAULT '',
		view_result_url TEXT NOT NULL DEFAULT '',
		current_status TEXT NOT NULL DEFAULT 'AVAILABLE',
		claimed BOOLEAN NOT NULL DEFAULT 0,
		worker TEXT NOT NULL DEFAULT '',
		worker_output TEXT NOT NULL DEFAULT '',
		added_at DATETIME NOT NULL,
		claimed_at DATETIME,
		finished_at DATETIME,
		failed_at DATETIME,
		processing_time REAL NOT NULL DEFAULT 0
	)`, jobsTableName(projectID))
}

func jobsTableIndexDDL(projectID string) []string {
	t := jobsTableName(projectID)
	return []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_added_at ON %s(added_at)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_claimed_at ON %s(claimed_at)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_finished_at ON %s(finished_at)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_failed_at ON %s(failed_at)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(current_status)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_worker ON %s(worker)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_claimed_type ON %s(claimed, type)`, t, t),
	}
}

// DropProjectTable drops a project's job table outside of any project-row
// transaction. RemoveProject performs its own DROP TABLE inline (within the
// same transaction as the project row delete); this standalone form is the
// C1 contract's entry point for callers that only hold a job table, not a
// project row.
func (db *DB) DropProjectTable(ctx context.Context, projectID string) error {
	if !ValidProjectID(projectID) {
		return ErrInvalidID
	}
	_, err := db.conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+jobsTableName(projectID))
	return err
}

func scanJob(projectID string, rows interface {
	Scan(dest ...any) error
}) (*models.Job, error) {
	var j models.Job
	var claimedAt, finishedAt, failedAt sql.NullTime
	err := rows.Scan(&j.ID, &j.Type, &j.SourceURL, &j.TargetURL, &j.ViewResultURL, &j.CurrentStatus, &j.Claimed,
		&j.Worker, &j.WorkerOutput, &j.AddedAt, &claimedAt, &finishedAt, &failedAt, &j.ProcessingTime)
	if err != nil {
		return nil, err
	}
	j.ProjectID = projectID
	if claimedAt.Valid {
		j.ClaimedAt = &claimedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	if failedAt.Valid {
		j.FailedAt = &failedAt.Time
	}
	return &j, nil
}

// InsertJob inserts a new job row and bumps the project's nr_added counter
// in the same transaction. A re-POST of the exact same {id, source_url} is
// idempotent (returns nil, no counter bump); reusing an id with a
// different source_url fails with ErrConflict.
func (db *DB) InsertJob(ctx context.Context, projectID string, job *models.Job, addedAt time.Time) error {
	if !ValidProjectID(projectID) {
		return ErrInvalidID
	}
	table := jobsTableName(projectID)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO `+table+`
			(id, type, source_url, target_url, view_result_url, current_status, claimed, added_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			job.ID, job.Type, job.SourceURL, job.TargetURL, job.ViewResultURL, models.JobAvailable, addedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return checkDuplicateJob(ctx, tx, table, job)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return notifyJobAdded(ctx, tx, projectID, 1, addedAt)
	})
}

// checkDuplicateJob runs after a unique-constraint hit on job.ID: an exact
// resubmission (same source_url) is treated as a no-op success, anything
// else as an id collision.
func checkDuplicateJob(ctx context.Context, tx *sql.Tx, table string, job *models.Job) error {
	var existingSourceURL string
	err := tx.QueryRowContext(ctx, `SELECT source_url FROM `+table+` WHERE id = ?`, job.ID).Scan(&existingSourceURL)
	if err != nil {
		return fmt.Errorf("check duplicate job: %w", err)
	}
	if existingSourceURL == job.SourceURL {
		return nil
	}
	return ErrConflict
}

// InsertJobs inserts a batch of jobs for one project in a single
// transaction: either every job is created or none are (§6 "all-or-nothing"
// list POST). Each job's AddedAt is stored when set; addedAt is used for
// jobs without one.
func (db *DB) InsertJobs(ctx context.Context, projectID string, jobs []*models.Job, addedAt time.Time) error {
	if !ValidProjectID(projectID) {
		return ErrInvalidID
	}
	table := jobsTableName(projectID)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		var inserted int64
		for _, job := range jobs {
			jobAddedAt := addedAt
			if !job.AddedAt.IsZero() {
				jobAddedAt = job.AddedAt
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO `+table+`
				(id, type, source_url, target_url, view_result_url, current_status, claimed, added_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
				job.ID, job.Type, job.SourceURL, job.TargetURL, job.ViewResultURL, models.JobAvailable, jobAddedAt)
			if err != nil {
				if isUniqueViolation(err) {
					if derr := checkDuplicateJob(ctx, tx, table, job); derr != nil {
						return fmt.Errorf("job %q: %w", job.ID, derr)
					}
					continue
				}
				return fmt.Errorf("insert job %q: %w", job.ID, err)
			}
			inserted++
		}
		if inserted == 0 {
			return nil
		}
		return notifyJobAdded(ctx, tx, projectID, inserted, addedAt)
	})
}

// GetJob returns a single job or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, projectID, id string) (*models.Job, error) {
	if !ValidProjectID(projectID) {
		return nil, ErrInvalidID
	}
	row := db.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM `+jobsTableName(projectID)+` WHERE id = ?`, id)
	j, err := scanJob(projectID, row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListFilter carries the optional equality/time-range filters for ListJobs.
type ListFilter struct {
	Type          string
	Worker        string
	CurrentStatus string
	TimeField     string // "added_at" | "claimed_at" | "finished_at" | "failed_at"
	Start, End    *time.Time
	Limit         int
}

var allowedTimeFields = map[string]bool{
	"added_at": true, "claimed_at": true, "finished_at": true, "failed_at": true,
}

// ListJobs returns jobs matching the filter, ordered by TimeField ascending
// when one is given (otherwise by added_at).
func (db *DB) ListJobs(ctx context.Context, projectID string, f ListFilter) ([]models.Job, error) {
	if !ValidProjectID(projectID) {
		return nil, ErrInvalidID
	}
	if f.TimeField != "" && !allowedTimeFields[f.TimeField] {
		return nil, fmt.Errorf("%w: bad time_field %q", ErrInvalidField, f.TimeField)
	}

	query := `SELECT ` + jobColumns + ` FROM ` + jobsTableName(projectID)
	var where []string
	var args []any
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Worker != "" {
		where = append(where, "worker = ?")
		args = append(args, f.Worker)
	}
	if f.CurrentStatus != "" {
		where = append(where, "current_status = ?")
		args = append(args, f.CurrentStatus)
	}
	orderField := "added_at"
	if f.TimeField != "" {
		orderField = f.TimeField
		if f.Start != nil {
			where = append(where, f.TimeField+" >= ?")
			args = append(args, *f.Start)
		}
		if f.End != nil {
			where = append(where, f.TimeField+" < ?")
			args = append(args, *f.End)
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + orderField + " ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(projectID, rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimJob is the C3 single-claim guarantee: a conditional UPDATE whose
// WHERE clause includes claimed=0, never a select-then-update. Returns
// ErrNotFound if no such job exists, ErrAlreadyClaimed if another caller
// already owns it.
func (db *DB) ClaimJob(ctx context.Context, projectID, id, worker string, now time.Time) (*models.Job, error) {
	if !ValidProjectID(projectID) {
		return nil, ErrInvalidID
	}
	table := jobsTableName(projectID)

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check job exists: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET claimed = 1, worker = ?, claimed_at = ?, current_status = ? WHERE id = ? AND claimed = 0`,
			worker, now, models.JobClaimed, id)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim job rows affected: %w", err)
		}
		if n == 0 {
			return ErrAlreadyClaimed
		}

		return notifyJobClaimed(ctx, tx, projectID, now)
	})
	if err != nil {
		return nil, err
	}
	return db.GetJob(ctx, projectID, id)
}

// UnclaimJob releases a claim. If the job had reached FAILED, wasFailed
// reverses the nr_failed bump too so a later retry does not double-count.
func (db *DB) UnclaimJob(ctx context.Context, projectID, id string) error {
	if !ValidProjectID(projectID) {
		return ErrInvalidID
	}
	table := jobsTableName(projectID)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		var claimed bool
		var status string
		err := tx.QueryRowContext(ctx, `SELECT claimed, current_status FROM `+table+` WHERE id = ?`, id).Scan(&claimed, &status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check job claimed: %w", err)
		}
		if !claimed {
			return nil
		}

		_, err = tx.ExecContext(ctx, `UPDATE `+table+` SET claimed = 0 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("unclaim job: %w", err)
		}

		return notifyJobUnclaimed(ctx, tx, projectID, status == models.JobFailed)
	})
}

// UpdateJob applies a status/worker_output/processing_time transition in
// one transaction, stamping the corresponding timestamp and bumping project
// counters (C5). Re-PUTting an already-terminal status is a no-op for
// counters.
func (db *DB) UpdateJob(ctx context.Context, projectID, id string, status, output string, hasOutput bool, processingTime float64, hasProcessingTime bool, now time.Time) error {
	if !ValidProjectID(projectID) {
		return ErrInvalidID
	}
	if status != "" && !models.ValidJobStates[status] {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidField, status)
	}
	table := jobsTableName(projectID)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		var currentStatus string
		err := tx.QueryRowContext(ctx, `SELECT current_status FROM `+table+` WHERE id = ?`, id).Scan(&currentStatus)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check job status: %w", err)
		}

		var sets []string
		var args []any
		alreadyTerminal := currentStatus == models.JobFinished || currentStatus == models.JobFailed

		if hasOutput {
			sets = append(sets, "worker_output = ?")
			args = append(args, output)
		}
		if hasProcessingTime {
			sets = append(sets, "processing_time = ?")
			args = append(args, processingTime)
		}

		switch status {
		case "":
			// no status change requested
		case models.JobFinished:
			sets = append(sets, "current_status = ?", "finished_at = ?")
			args = append(args, status, now)
			if !alreadyTerminal {
				if err := notifyJobFinished(ctx, tx, projectID, processingTime); err != nil {
					return fmt.Errorf("notify job finished: %w", err)
				}
			}
		case models.JobFailed:
			sets = append(sets, "current_status = ?", "failed_at = ?")
			args = append(args, status, now)
			if !alreadyTerminal {
				if err := notifyJobFailed(ctx, tx, projectID, processingTime); err != nil {
					return fmt.Errorf("notify job failed: %w", err)
				}
			}
		case models.JobClaimed:
			// counters already bumped by ClaimJob; this is a no-op for counters.
			sets = append(sets, "current_status = ?")
			args = append(args, status)
		case models.JobStarted:
			// informational only; does not affect project counters.
			sets = append(sets, "current_status = ?")
			args = append(args, status)
		}

		if len(sets) == 0 {
			return nil
		}
		args = append(args, id)
		_, err = tx.ExecContext(ctx, `UPDATE `+table+` SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
}

// CountByStatus returns a mapping of current_status to row count.
func (db *DB) CountByStatus(ctx context.Context, projectID string) (map[string]int64, error) {
	if !ValidProjectID(projectID) {
		return nil, ErrInvalidID
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT current_status, COUNT(*) FROM `+jobsTableName(projectID)+` GROUP BY current_status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Period is a count_by_time_period bucket granularity.
type Period string

const (
	PeriodHourly  Period = "HOURLY"
	PeriodDaily   Period = "DAILY"
	PeriodMonthly Period = "MONTHLY"
	PeriodYearly  Period = "YEARLY"
)

// strftimeFormat maps a Period to the sqlite strftime format used to bucket
// a timestamp column.
func (p Period) strftimeFormat() (string, bool) {
	switch p {
	case PeriodHourly:
		return "%Y-%m-%d %H:00:00", true
	case PeriodDaily:
		return "%Y-%m-%d 00:00:00", true
	case PeriodMonthly:
		return "%Y-%m-01 00:00:00", true
	case PeriodYearly:
		return "%Y-01-01 00:00:00", true
	default:
		return "", false
	}
}

// timeFieldForState maps a job state to the timestamp column that
// count_by_time_period buckets by (§4.1).
func timeFieldForState(state string) (string, bool) {
	switch state {
	case models.JobAvailable:
		return "added_at", true
	case models.JobClaimed, models.JobStarted:
		return "claimed_at", true
	case models.JobFinished:
		return "finished_at", true
	case models.JobFailed:
		return "failed_at", true
	default:
		return "", false
	}
}

// PeriodCount is one row of CountByTimePeriod's output.
type PeriodCount struct {
	PeriodLabel   string
	Start         time.Time
	Claimed       int64
	Finished      int64
	Failed        int64
	ActiveWorkers int64
}

// CountByTimePeriod groups rows into period buckets by each state's own
// timestamp column (claimed_at/finished_at/failed_at) and reports
// claimed/finished/failed counts plus a distinct-worker count per bucket.
// A job is counted in the Claimed bucket for its claimed_at timestamp
// regardless of whatever state it is in now.
func (db *DB) CountByTimePeriod(ctx context.Context, projectID string, period Period, start, end *time.Time) ([]PeriodCount, error) {
	if !ValidProjectID(projectID) {
		return nil, ErrInvalidID
	}
	format, ok := period.strftimeFormat()
	if !ok {
		return nil, fmt.Errorf("%w: bad period %q", ErrInvalidField, period)
	}
	table := jobsTableName(projectID)

	buckets := make(map[string]*PeriodCount)
	var order []string

	// collect buckets every row whose timeField is set, regardless of the
	// job's current status: a job claimed at 10:00 and later FINISHED must
	// still count in the 10:00 Claimed bucket (mirrors the original
	// count_jobs_per_time_period, which keys off STATE_TO_TIMESTAMP[state]
	// alone, never current_status).
	collect := func(timeField string, bump func(*PeriodCount)) error {
		query := `SELECT strftime('` + format + `', ` + timeField + `) AS bucket, worker FROM ` + table +
			` WHERE ` + timeField + ` IS NOT NULL`
		var args []any
		if start != nil {
			query += " AND " + timeField + " >= ?"
			args = append(args, *start)
		}
		if end != nil {
			query += " AND " + timeField + " < ?"
			args = append(args, *end)
		}

		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("count by time period: %w", err)
		}
		defer rows.Close()

		workers := make(map[string]map[string]bool)
		for rows.Next() {
			var bucket, worker string
			if err := rows.Scan(&bucket, &worker); err != nil {
				return fmt.Errorf("scan time bucket: %w", err)
			}
			b, exists := buckets[bucket]
			if !exists {
				t, _ := time.Parse("2006-01-02 15:04:05", bucket)
				b = &PeriodCount{PeriodLabel: bucket, Start: t}
				buckets[bucket] = b
				order = append(order, bucket)
			}
			bump(b)
			if workers[bucket] == nil {
				workers[bucket] = make(map[string]bool)
			}
			if worker != "" {
				workers[bucket][worker] = true
			}
		}
		for bucket, ws := range workers {
			if int64(len(ws)) > buckets[bucket].ActiveWorkers {
				buckets[bucket].ActiveWorkers = int64(len(ws))
			}
		}
		return rows.Err()
	}

	if f, ok := timeFieldForState(models.JobClaimed); ok {
		if err := collect(f, func(b *PeriodCount) { b.Claimed++ }); err != nil {
			return nil, err
		}
	}
	if f, ok := timeFieldForState(models.JobFinished); ok {
		if err := collect(f, func(b *PeriodCount) { b.Finished++ }); err != nil {
			return nil, err
		}
	}
	if f, ok := timeFieldForState(models.JobFailed); ok {
		if err := collect(f, func(b *PeriodCount) { b.Failed++ }); err != nil {
			return nil, err
		}
	}

	sortedOrder := dedupeSortedStrings(order)
	out := make([]PeriodCount, 0, len(sortedOrder))
	for _, bucket := range sortedOrder {
		out = append(out, *buckets[bucket])
	}
	return out, nil
}

func dedupeSortedStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// FetchUnclaimed returns up to limit unclaimed (claimed = 0) jobs for a
// project, oldest added first, whatever their current_status, used by the scheduler to draw a bounded-prefix random pick
// (spec §4.4).
func (db *DB) FetchUnclaimed(ctx context.Context, projectID string, limit int) ([]models.Job, error) {
	if !ValidProjectID(projectID) {
		return nil, ErrInvalidID
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM `+jobsTableName(projectID)+` WHERE claimed = 0 ORDER BY added_at ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unclaimed: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(projectID, rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
