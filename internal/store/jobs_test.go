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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"microq/internal/models"
)

func mustInsertProject(t *testing.T, db *DB, id string) {
	t.Helper()
	if _, err := db.InsertProject(context.Background(), id, "tester", map[string]string{}); err != nil {
		t.Fatalf("InsertProject(%q): %v", id, err)
	}
}

func TestInsertJobDuplicateSameSourceURLIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()

	job := &models.Job{ID: "job1", SourceURL: "http://example.com/a"}
	if err := db.InsertJob(ctx, "proj1", job, now); err != nil {
		t.Fatalf("first InsertJob: %v", err)
	}
	if err := db.InsertJob(ctx, "proj1", job, now); err != nil {
		t.Fatalf("duplicate InsertJob with same source_url should be idempotent, got: %v", err)
	}

	p, err := db.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.NrAdded != 1 {
		t.Fatalf("NrAdded = %d after idempotent re-POST, want 1 (no double count)", p.NrAdded)
	}
}

func TestInsertJobDuplicateDifferentSourceURLConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()

	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "job1", SourceURL: "http://example.com/a"}, now); err != nil {
		t.Fatalf("first InsertJob: %v", err)
	}
	err := db.InsertJob(ctx, "proj1", &models.Job{ID: "job1", SourceURL: "http://example.com/b"}, now)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("InsertJob with reused id, different source_url = %v, want ErrConflict", err)
	}
}

func TestInsertJobsBatchAllOrNothing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()

	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "existing", SourceURL: "http://example.com/x"}, now); err != nil {
		t.Fatalf("seed InsertJob: %v", err)
	}

	batch := []*models.Job{
		{ID: "new1", SourceURL: "http://example.com/1"},
		{ID: "existing", SourceURL: "http://example.com/conflicting"},
		{ID: "new2", SourceURL: "http://example.com/2"},
	}
	if err := db.InsertJobs(ctx, "proj1", batch, now); err == nil {
		t.Fatalf("InsertJobs with a conflicting id should fail the whole batch")
	}

	if _, err := db.GetJob(ctx, "proj1", "new1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("new1 should not have been committed, got err=%v", err)
	}
	if _, err := db.GetJob(ctx, "proj1", "new2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("new2 should not have been committed, got err=%v", err)
	}

	p, err := db.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.NrAdded != 1 {
		t.Fatalf("NrAdded = %d after aborted batch, want 1 (unchanged)", p.NrAdded)
	}
}

func TestInsertJobsBatchSkipsIdempotentDuplicateWithoutOvercounting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()

	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "existing", SourceURL: "http://example.com/x"}, now); err != nil {
		t.Fatalf("seed InsertJob: %v", err)
	}

	batch := []*models.Job{
		{ID: "new1", SourceURL: "http://example.com/1"},
		{ID: "existing", SourceURL: "http://example.com/x"},
	}
	if err := db.InsertJobs(ctx, "proj1", batch, now); err != nil {
		t.Fatalf("InsertJobs with an exact-duplicate item should succeed: %v", err)
	}

	if _, err := db.GetJob(ctx, "proj1", "new1"); err != nil {
		t.Fatalf("new1 should have been committed: %v", err)
	}

	p, err := db.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.NrAdded != 2 {
		t.Fatalf("NrAdded = %d, want 2 (1 existing + 1 genuinely new, duplicate not double-counted)", p.NrAdded)
	}
}

func TestDropProjectTableRemovesJobsButNotProjectRow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()
	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "job1", SourceURL: "s"}, now); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	if err := db.DropProjectTable(ctx, "proj1"); err != nil {
		t.Fatalf("DropProjectTable: %v", err)
	}

	if _, err := db.GetProject(ctx, "proj1"); err != nil {
		t.Fatalf("GetProject after DropProjectTable = %v, want project row untouched", err)
	}
	if _, err := db.GetJob(ctx, "proj1", "job1"); err == nil {
		t.Fatalf("GetJob after DropProjectTable should fail, job table is gone")
	}
}

func TestClaimJobExactlyOneWinnerUnderConcurrency(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()
	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "job1", SourceURL: "s"}, now); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	const workers = 20
	var successes int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		worker := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			if _, err := db.ClaimJob(ctx, "proj1", "job1", worker, now); err == nil {
				atomic.AddInt64(&successes, 1)
			} else if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("ClaimJob: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful claims = %d, want exactly 1", successes)
	}

	job, err := db.GetJob(ctx, "proj1", "job1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !job.Claimed {
		t.Fatalf("job.Claimed = false after a successful claim")
	}
}

func TestClaimJobNotFound(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	_, err := db.ClaimJob(ctx, "proj1", "missing", "worker-a", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ClaimJob on missing job = %v, want ErrNotFound", err)
	}
}

func TestUnclaimJobReversesFailedCount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()
	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "job1", SourceURL: "s"}, now); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := db.ClaimJob(ctx, "proj1", "job1", "worker-a", now); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := db.UpdateJob(ctx, "proj1", "job1", models.JobFailed, "boom", true, 0, false, now); err != nil {
		t.Fatalf("UpdateJob to FAILED: %v", err)
	}

	before, err := db.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if before.NrFailed != 1 {
		t.Fatalf("NrFailed = %d after failing, want 1", before.NrFailed)
	}

	if err := db.UnclaimJob(ctx, "proj1", "job1"); err != nil {
		t.Fatalf("UnclaimJob: %v", err)
	}

	after, err := db.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if after.NrFailed != 0 {
		t.Fatalf("NrFailed = %d after unclaiming a failed job, want 0", after.NrFailed)
	}

	job, err := db.GetJob(ctx, "proj1", "job1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Claimed {
		t.Fatalf("job.Claimed = true after UnclaimJob")
	}
}

func TestListJobsFiltersByTypeWorkerAndStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	now := time.Now().UTC()

	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "a", Type: "scan", SourceURL: "s1"}, now); err != nil {
		t.Fatalf("InsertJob a: %v", err)
	}
	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "b", Type: "build", SourceURL: "s2"}, now); err != nil {
		t.Fatalf("InsertJob b: %v", err)
	}
	if _, err := db.ClaimJob(ctx, "proj1", "a", "worker-x", now); err != nil {
		t.Fatalf("ClaimJob a: %v", err)
	}

	byType, err := db.ListJobs(ctx, "proj1", ListFilter{Type: "scan"})
	if err != nil {
		t.Fatalf("ListJobs by type: %v", err)
	}
	if len(byType) != 1 || byType[0].ID != "a" {
		t.Fatalf("ListJobs(type=scan) = %+v, want just [a]", byType)
	}

	byWorker, err := db.ListJobs(ctx, "proj1", ListFilter{Worker: "worker-x"})
	if err != nil {
		t.Fatalf("ListJobs by worker: %v", err)
	}
	if len(byWorker) != 1 || byWorker[0].ID != "a" {
		t.Fatalf("ListJobs(worker=worker-x) = %+v, want just [a]", byWorker)
	}

	byStatus, err := db.ListJobs(ctx, "proj1", ListFilter{CurrentStatus: models.JobAvailable})
	if err != nil {
		t.Fatalf("ListJobs by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "b" {
		t.Fatalf("ListJobs(status=AVAILABLE) = %+v, want just [b]", byStatus)
	}
}

func TestListJobsRejectsBadTimeField(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")
	_, err := db.ListJobs(ctx, "proj1", ListFilter{TimeField: "bogus_at"})
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("ListJobs with bad time_field = %v, want ErrInvalidField", err)
	}
}

func TestCountByTimePeriodBucketsByHour(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustInsertProject(t, db, "proj1")

	hourOne := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	hourTwo := time.Date(2026, 1, 1, 11, 5, 0, 0, time.UTC)

	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "j1", SourceURL: "s"}, hourOne); err != nil {
		t.Fatalf("InsertJob j1: %v", err)
	}
	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "j2", SourceURL: "s"}, hourOne); err != nil {
		t.Fatalf("InsertJob j2: %v", err)
	}
	if err := db.InsertJob(ctx, "proj1", &models.Job{ID: "j3", SourceURL: "s"}, hourTwo); err != nil {
		t.Fatalf("InsertJob j3: %v", err)
	}
	if _, err := db.ClaimJob(ctx, "proj1", "j1", "worker-a", hourOne); err != nil {
		t.Fatalf("ClaimJob j1: %v", err)
	}
	if _, err := db.ClaimJob(ctx, "proj1", "j2", "worker-b", hourOne); err != nil {
		t.Fatalf("ClaimJob j2: %v", err)
	}
	if _, err := db.ClaimJob(ctx, "proj1", "j3", "worker-a", hourTwo); err != nil {
		t.Fatalf("ClaimJob j3: %v", err)
	}

	// Move every job to a terminal state, later than its claimed_at. The
	// Claimed bucket must still reflect claim time, not current_status: a
	// job claimed at 10:00 and later FINISHED/FAILED still counts in the
	// 10:00 Claimed bucket.
	hourThree := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := db.UpdateJob(ctx, "proj1", "j1", models.JobFinished, "", false, 1, true, hourThree); err != nil {
		t.Fatalf("UpdateJob j1 to FINISHED: %v", err)
	}
	if err := db.UpdateJob(ctx, "proj1", "j2", models.JobFailed, "boom", true, 0, false, hourThree); err != nil {
		t.Fatalf("UpdateJob j2 to FAILED: %v", err)
	}
	if err := db.UpdateJob(ctx, "proj1", "j3", models.JobFinished, "", false, 1, true, hourThree); err != nil {
		t.Fatalf("UpdateJob j3 to FINISHED: %v", err)
	}

	counts, err := db.CountByTimePeriod(ctx, "proj1", PeriodHourly, nil, nil)
	if err != nil {
		t.Fatalf("CountByTimePeriod: %v", err)
	}
	if len(counts) != 3 {
		t.Fatalf("CountByTimePeriod returned %d buckets, want 3 (10:00, 11:00, 12:00)", len(counts))
	}

	var first, second, third *PeriodCount
	for i := range counts {
		switch {
		case counts[i].Start.Equal(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)):
			first = &counts[i]
		case counts[i].Start.Equal(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)):
			second = &counts[i]
		case counts[i].Start.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)):
			third = &counts[i]
		}
	}
	if first == nil || first.Claimed != 2 || first.ActiveWorkers != 2 {
		t.Fatalf("first bucket = %+v, want Claimed=2 ActiveWorkers=2 (claim-time bucket, unaffected by later FINISHED/FAILED)", first)
	}
	if second == nil || second.Claimed != 1 || second.ActiveWorkers != 1 {
		t.Fatalf("second bucket = %+v, want Claimed=1 ActiveWorkers=1", second)
	}
	if third == nil || third.Finished != 2 || third.Failed != 1 {
		t.Fatalf("third bucket = %+v, want Finished=2 Failed=1", third)
	}
}
