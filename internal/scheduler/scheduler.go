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

// Package scheduler picks which project should serve the next worker
// fetch, weighted by deadline pressure and work remaining (C4).
package scheduler

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"microq/internal/models"
	"microq/internal/store"
)

// DefaultMeanTime is used for projects with no completed jobs yet, so a
// brand-new project is likely to be chosen at least once and yield a real
// processing_time sample.
const DefaultMeanTime = 3600.0

// unclaimedPrefix bounds the random-pick window into a project's unclaimed
// jobs, to reduce lock contention among simultaneous fetch requests.
const unclaimedPrefix = 500

// Scheduler computes per-project priority weights and samples one project
// proportional to weight.
type Scheduler struct {
	store *store.DB
	cache *lru.Cache[string, meanSample]
}

type meanSample struct {
	processed int64
	mean      float64
}

// New builds a Scheduler backed by db, with an LRU cache of size cap for
// per-project mean-processing-time samples.
func New(db *store.DB, cacheSize int) (*Scheduler, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, meanSample](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create scheduler cache: %w", err)
	}
	return &Scheduler{store: db, cache: cache}, nil
}

// Weight computes a project's priority weight at time now: zero if no
// jobs remain, 1 if undeadlined, otherwise
// remaining work scaled by mean processing time and closeness to deadline.
func (s *Scheduler) Weight(p *models.Project, now time.Time) float64 {
	remaining := p.NrAdded - p.NrClaimed
	if remaining <= 0 {
		return 0
	}
	if p.Deadline == nil {
		return 1
	}

	processed := p.NrFinished + p.NrFailed
	meanTime := s.meanProcessingTime(p.ID, p.ProcessingTimeTotal, processed)
	numerator := float64(remaining) * meanTime

	if p.Deadline.Before(now) {
		return numerator
	}
	secondsToDeadline := p.Deadline.Sub(now).Seconds()
	if secondsToDeadline <= 0 {
		return numerator
	}
	return numerator / secondsToDeadline
}

// meanProcessingTime looks up (or computes and caches) processing_time_total
// / processed for a project. The cache is invalidated automatically: it is
// keyed by project id but the stored sample also records the processed
// count it was computed from, so a change in processed count is a cache
// miss, not a stale hit.
func (s *Scheduler) meanProcessingTime(projectID string, totalTime float64, processed int64) float64 {
	if totalTime <= 0 || processed <= 0 {
		return DefaultMeanTime
	}
	if cached, ok := s.cache.Get(projectID); ok && cached.processed == processed {
		return cached.mean
	}
	mean := totalTime / float64(processed)
	s.cache.Add(projectID, meanSample{processed: processed, mean: mean})
	return mean
}

// PickProject samples one project proportional to its weight, via a linear
// walk over cumulative weights (spec §9: fine at current scale). Returns
// store.ErrNotFound if every project currently has weight 0 (no work).
func (s *Scheduler) PickProject(ctx context.Context, now time.Time) (*models.Project, error) {
	projects, err := s.store.ListProjects(ctx, nil, true, 0)
	if err != nil {
		return nil, fmt.Errorf("list active projects: %w", err)
	}

	weights := make([]float64, len(projects))
	var total float64
	for i, p := range projects {
		w := s.Weight(&projects[i], now)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return nil, store.ErrNotFound
	}

	rnd, err := newLocalRand()
	if err != nil {
		return nil, fmt.Errorf("seed scheduler rng: %w", err)
	}
	r := rnd.Float64() * total

	var cumulative float64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		cumulative += w
		if cumulative >= r {
			return &projects[i], nil
		}
	}
	// Floating-point rounding can leave r just above the final cumulative
	// sum; fall back to the last project with nonzero weight.
	for i := len(projects) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return &projects[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// FetchNext picks a project by weight and returns one of its unclaimed jobs,
// drawn uniformly at random from a bounded prefix to reduce lock contention.
func (s *Scheduler) FetchNext(ctx context.Context, now time.Time) (*models.Project, *models.Job, error) {
	project, err := s.PickProject(ctx, now)
	if err != nil {
		return nil, nil, err
	}

	jobs, err := s.store.FetchUnclaimed(ctx, project.ID, unclaimedPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch unclaimed jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil, store.ErrNotFound
	}

	rnd, err := newLocalRand()
	if err != nil {
		return nil, nil, fmt.Errorf("seed scheduler rng: %w", err)
	}
	job := jobs[rnd.IntN(len(jobs))]
	return project, &job, nil
}

// newLocalRand builds a per-call RNG seeded from the OS, per spec §9: do
// not share an unsynchronized global RNG instance across concurrent
// requests.
func newLocalRand() (*rand.Rand, error) {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return nil, err
	}
	return rand.New(rand.NewChaCha8(seed)), nil
}
