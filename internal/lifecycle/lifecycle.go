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

// Package lifecycle drives a job through AVAILABLE -> CLAIMED -> (STARTED)
// -> FINISHED|FAILED, validating the request shape the store's transactional
// primitives (C3's claim, C1's generic update) assume (C5).
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"microq/internal/models"
	"microq/internal/store"
)

// ErrMissingField names a required field absent from a transition request.
type ErrMissingField struct{ Field string }

func (e *ErrMissingField) Error() string { return fmt.Sprintf("missing required field: %s", e.Field) }

// Manager orchestrates job status transitions and claims against a store.
type Manager struct {
	Store *store.DB
}

// New builds a Manager backed by db.
func New(db *store.DB) *Manager {
	return &Manager{Store: db}
}

// Claim validates and performs a claim (the claim transition from
// AVAILABLE to CLAIMED).
func (m *Manager) Claim(ctx context.Context, projectID, jobID, worker string, now time.Time) (*models.Job, error) {
	if worker == "" {
		return nil, &ErrMissingField{Field: "Worker"}
	}
	return m.Store.ClaimJob(ctx, projectID, jobID, worker, now)
}

// Release performs the DELETE /claim operation.
func (m *Manager) Release(ctx context.Context, projectID, jobID string) error {
	return m.Store.UnclaimJob(ctx, projectID, jobID)
}

// StatusUpdate is the body of a PUT .../status request.
type StatusUpdate struct {
	Status         string
	ProcessingTime *float64
}

// Transition validates and applies a status update. Status is required;
// ProcessingTime is required when moving to FINISHED or FAILED (the worker
// reports it on completion, §4.5).
func (m *Manager) Transition(ctx context.Context, projectID, jobID string, upd StatusUpdate, now time.Time) error {
	if upd.Status == "" {
		return &ErrMissingField{Field: "Status"}
	}
	if !models.ValidJobStates[upd.Status] {
		return fmt.Errorf("%w: unknown status %q", store.ErrInvalidField, upd.Status)
	}
	if (upd.Status == models.JobFinished || upd.Status == models.JobFailed) && upd.ProcessingTime == nil {
		return &ErrMissingField{Field: "ProcessingTime"}
	}

	var processingTime float64
	hasProcessingTime := upd.ProcessingTime != nil
	if hasProcessingTime {
		processingTime = *upd.ProcessingTime
	}

	return m.Store.UpdateJob(ctx, projectID, jobID, upd.Status, "", false, processingTime, hasProcessingTime, now)
}

// OutputUpdate is the body of a PUT .../output request.
type OutputUpdate struct {
	Output string
}

// SetOutput validates and applies a worker_output update. Output is
// required (may be empty string only if the caller explicitly sent one;
// an absent field is the 400 case).
func (m *Manager) SetOutput(ctx context.Context, projectID, jobID string, upd OutputUpdate, hasOutput bool, now time.Time) error {
	if !hasOutput {
		return &ErrMissingField{Field: "Output"}
	}
	return m.Store.UpdateJob(ctx, projectID, jobID, "", upd.Output, true, 0, false, now)
}
