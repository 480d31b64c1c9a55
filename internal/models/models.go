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

// Package models holds the storage-facing domain types for projects and
// jobs. Wire-facing ("pretty") shapes live in package wire.
package models

import "time"

// Job states, uppercase on the wire and in storage.
const (
	JobAvailable = "AVAILABLE"
	JobClaimed   = "CLAIMED"
	JobStarted   = "STARTED"
	JobFinished  = "FINISHED"
	JobFailed    = "FAILED"
)

// ValidJobStates enumerates the job lifecycle states accepted on the wire.
var ValidJobStates = map[string]bool{
	JobAvailable: true,
	JobClaimed:   true,
	JobStarted:   true,
	JobFinished:  true,
	JobFailed:    true,
}

// Project is a namespace of jobs sharing a processing image and an optional
// deadline; the unit of priority weighting (C4).
type Project struct {
	ID                 string     `db:"id"`
	Name               string     `db:"name"`
	CreatedAt          time.Time  `db:"created_at"`
	CreatedBy          string     `db:"created_by"`
	ProcessingImageURL string     `db:"processing_image_url"`
	Environment        string     `db:"environment"` // JSON-encoded map[string]string
	Deadline           *time.Time `db:"deadline"`

	NrAdded             int64   `db:"nr_added"`
	NrClaimed           int64   `db:"nr_claimed"`
	NrFinished          int64   `db:"nr_finished"`
	NrFailed            int64   `db:"nr_failed"`
	ProcessingTimeTotal float64 `db:"processing_time_total"`

	LastAddedAt   *time.Time `db:"last_added_at"`
	LastClaimedAt *time.Time `db:"last_claimed_at"`
}

// Active reports whether the project still has jobs left to claim.
func (p *Project) Active() bool {
	return p.NrAdded > p.NrClaimed
}

// Processed returns the number of jobs that have reached a terminal state.
func (p *Project) Processed() int64 {
	return p.NrFinished + p.NrFailed
}

// Job is a single unit of work within a project (C1).
type Job struct {
	ProjectID string `db:"project_id"`
	ID        string `db:"id"`

	Type          string `db:"type"`
	SourceURL     string `db:"source_url"`
	TargetURL     string `db:"target_url"`
	ViewResultURL string `db:"view_result_url"`

	CurrentStatus string `db:"current_status"`
	Claimed       bool   `db:"claimed"`

	Worker       string `db:"worker"`
	WorkerOutput string `db:"worker_output"`

	AddedAt    time.Time  `db:"added_at"`
	ClaimedAt  *time.Time `db:"claimed_at"`
	FinishedAt *time.Time `db:"finished_at"`
	FailedAt   *time.Time `db:"failed_at"`

	ProcessingTime float64 `db:"processing_time"`
}

// Settable fields a caller may PUT onto an existing project (§4.2).
var ProjectSettableFields = map[string]bool{
	"environment":          true,
	"deadline":             true,
	"name":                 true,
	"processing_image_url": true,
}

// Incremental fields translate to `col = col + delta` rather than overwrite.
var ProjectIncrementalFields = map[string]bool{
	"nr_added":              true,
	"nr_claimed":            true,
	"nr_finished":           true,
	"nr_failed":             true,
	"processing_time_total": true,
}

// JobInsertAllowedFields is the accepted-fields set for job POST bodies (§6).
var JobInsertAllowedFields = map[string]bool{
	"id":               true,
	"type":             true,
	"source_url":       true,
	"target_url":       true,
	"view_result_url":  true,
	"added_timestamp":  true,
}

// AdminRole is the only role in µQ's admin surface: you either hold the
// service's single admin credential or you don't (§6 Admin table).
const AdminRole = "admin"

// User is an API credential holder (admin or an ordinary token-bearing
// account used by job producers/workers).
type User struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	Enabled      bool      `db:"enabled"`
	CreatedAt    time.Time `db:"created_at"`
}

// Token is an issued bearer-style token (GET /token), valid for a fixed
// duration from issuance.
type Token struct {
	Value     string    `db:"token"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}
