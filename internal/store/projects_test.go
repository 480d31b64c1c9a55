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
	"errors"
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertAndGetProject(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p, err := db.InsertProject(ctx, "proj1", "alice", map[string]string{"processing_image_url": "img:v1"})
	if err != nil {
		t.Fatalf("InsertProject: %v", err)
	}
	if p.ID != "proj1" || p.Name != "proj1" || p.CreatedBy != "alice" {
		t.Fatalf("unexpected project: %+v", p)
	}
	if p.ProcessingImageURL != "img:v1" {
		t.Fatalf("ProcessingImageURL = %q, want img:v1", p.ProcessingImageURL)
	}

	got, err := db.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("GetProject returned %+v, want %+v", got, p)
	}
}

func TestInsertProjectDuplicateID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.InsertProject(ctx, "dup", "alice", nil); err != nil {
		t.Fatalf("InsertProject: %v", err)
	}
	_, err := db.InsertProject(ctx, "dup", "alice", nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second InsertProject with same id = %v, want ErrConflict", err)
	}
}

func TestInsertProjectInvalidID(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.InsertProject(context.Background(), "1bad", "alice", nil)
	if !errors.Is(err, ErrInvalidID) {
		t.Fatalf("InsertProject with invalid id = %v, want ErrInvalidID", err)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetProject(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProject for missing project = %v, want ErrNotFound", err)
	}
}

func TestListProjectsOnlyActive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.InsertProject(ctx, "active", "alice", nil); err != nil {
		t.Fatalf("InsertProject active: %v", err)
	}
	if _, err := db.InsertProject(ctx, "done", "alice", nil); err != nil {
		t.Fatalf("InsertProject done: %v", err)
	}
	// "active" has unclaimed work; "done" does not.
	if err := db.UpdateProject(ctx, "active", nil, map[string]float64{"nr_added": 1}); err != nil {
		t.Fatalf("UpdateProject active: %v", err)
	}

	active, err := db.ListProjects(ctx, nil, true, 0)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(active) != 1 || active[0].ID != "active" {
		t.Fatalf("ListProjects(onlyActive) = %+v, want just [active]", active)
	}

	all, err := db.ListProjects(ctx, nil, false, 0)
	if err != nil {
		t.Fatalf("ListProjects all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListProjects(all) returned %d projects, want 2", len(all))
	}
}

func TestUpdateProjectRejectsNonSettableField(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if _, err := db.InsertProject(ctx, "proj1", "alice", nil); err != nil {
		t.Fatalf("InsertProject: %v", err)
	}
	err := db.UpdateProject(ctx, "proj1", map[string]string{"id": "other"}, nil)
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("UpdateProject on non-settable field = %v, want ErrInvalidField", err)
	}
}

func TestUpdateProjectIncrementalDelta(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if _, err := db.InsertProject(ctx, "proj1", "alice", nil); err != nil {
		t.Fatalf("InsertProject: %v", err)
	}
	if err := db.UpdateProject(ctx, "proj1", nil, map[string]float64{"nr_added": 3}); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	if err := db.UpdateProject(ctx, "proj1", nil, map[string]float64{"nr_added": 2}); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	got, err := db.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.NrAdded != 5 {
		t.Fatalf("NrAdded = %d, want 5 (3+2 incremental)", got.NrAdded)
	}
}

func TestRemoveProjectDropsJobTable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	if _, err := db.InsertProject(ctx, "gone", "alice", nil); err != nil {
		t.Fatalf("InsertProject: %v", err)
	}
	if err := db.RemoveProject(ctx, "gone"); err != nil {
		t.Fatalf("RemoveProject: %v", err)
	}
	if _, err := db.GetProject(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProject after RemoveProject = %v, want ErrNotFound", err)
	}
	// Re-creating the same id must succeed, proving the job table was dropped.
	if _, err := db.InsertProject(ctx, "gone", "alice", nil); err != nil {
		t.Fatalf("re-InsertProject after removal: %v", err)
	}
}

func TestRemoveProjectNotFound(t *testing.T) {
	db := setupTestDB(t)
	err := db.RemoveProject(context.Background(), "neverexisted")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("RemoveProject on missing project = %v, want ErrNotFound", err)
	}
}
