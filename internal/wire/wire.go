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

// Package wire holds the "pretty" PascalCase JSON shapes the HTTP surface
// renders internal snake_case storage rows into (§6), kept separate from
// the storage-facing types in package models.
package wire

import (
	"encoding/json"
	"time"

	"microq/internal/analyzer"
	"microq/internal/models"
	"microq/internal/store"
)

// naiveISO formats t as a naive ISO string: no timezone offset, matching
// the wire shape every timestamp field uses.
func naiveISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

func naiveISOPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := naiveISO(*t)
	return &s
}

// Project is the pretty wire shape for a single project.
type Project struct {
	Name                string            `json:"Name"`
	CreatedBy           string            `json:"CreatedBy"`
	Created             string            `json:"Created"`
	NrJobsAdded         int64             `json:"NrJobsAdded"`
	NrJobsClaimed       int64             `json:"NrJobsClaimed"`
	NrJobsFinished      int64             `json:"NrJobsFinished"`
	NrJobsFailed        int64             `json:"NrJobsFailed"`
	ProcessingTimeTotal float64           `json:"ProcessingTimeTotal"`
	Deadline            *string           `json:"Deadline,omitempty"`
	Environment         map[string]string `json:"Environment"`
	URLS                map[string]string `json:"URLS"`
	LastAdded           *string           `json:"LastAdded,omitempty"`
	LastClaimed         *string           `json:"LastClaimed,omitempty"`
}

// ProjectDetail is Project plus the extras the single-project GET adds.
type ProjectDetail struct {
	Project
	JobStates map[string]int64 `json:"JobStates"`
	ETA       *string           `json:"ETA,omitempty"`
	Version   string            `json:"Version"`
}

func decodeEnvironment(raw string) map[string]string {
	env := map[string]string{}
	if raw == "" {
		return env
	}
	_ = json.Unmarshal([]byte(raw), &env)
	return env
}

// FromProject renders a storage project row for the wire, with URLS rooted
// at apiRoot (e.g. "/rest_api/v4").
func FromProject(p *models.Project, apiRoot string) Project {
	out := Project{
		Name:                p.Name,
		CreatedBy:           p.CreatedBy,
		Created:             naiveISO(p.CreatedAt),
		NrJobsAdded:         p.NrAdded,
		NrJobsClaimed:       p.NrClaimed,
		NrJobsFinished:      p.NrFinished,
		NrJobsFailed:        p.NrFailed,
		ProcessingTimeTotal: p.ProcessingTimeTotal,
		Deadline:            naiveISOPtr(p.Deadline),
		Environment:         decodeEnvironment(p.Environment),
		LastAdded:           naiveISOPtr(p.LastAddedAt),
		LastClaimed:         naiveISOPtr(p.LastClaimedAt),
		URLS: map[string]string{
			"URL-Processing-image": p.ProcessingImageURL,
			"URL-self":              apiRoot + "/" + p.ID,
			"URL-jobs":              apiRoot + "/" + p.ID + "/jobs",
			"URL-fetch":             apiRoot + "/" + p.ID + "/jobs/fetch",
			"URL-failures":          apiRoot + "/" + p.ID + "/failures",
		},
	}
	return out
}

// FromProjectDetail renders a project plus its per-status job counts.
func FromProjectDetail(p *models.Project, apiRoot string, jobStates map[string]int64, now time.Time) ProjectDetail {
	detail := ProjectDetail{
		Project:   FromProject(p, apiRoot),
		JobStates: jobStates,
		Version:   "v4",
	}
	if p.Deadline != nil {
		remaining := p.Deadline.Sub(now)
		eta := remaining.String()
		detail.ETA = &eta
	}
	return detail
}

// Job is the pretty wire shape for a single job.
type Job struct {
	JobID          string            `json:"JobID"`
	Type           string            `json:"Type,omitempty"`
	Status         string            `json:"Status"`
	Worker         string            `json:"Worker,omitempty"`
	Added          string            `json:"Added"`
	Claimed        *string           `json:"Claimed,omitempty"`
	Finished       *string           `json:"Finished,omitempty"`
	Failed         *string           `json:"Failed,omitempty"`
	ProcessingTime float64           `json:"ProcessingTime,omitempty"`
	Output         string            `json:"Output,omitempty"`
	URLS           map[string]string `json:"URLS"`
}

// FromJob renders a storage job row for the wire.
func FromJob(j *models.Job, apiRoot string) Job {
	base := apiRoot + "/" + j.ProjectID + "/jobs/" + j.ID
	return Job{
		JobID:          j.ID,
		Type:           j.Type,
		Status:         j.CurrentStatus,
		Worker:         j.Worker,
		Added:          naiveISO(j.AddedAt),
		Claimed:        naiveISOPtr(j.ClaimedAt),
		Finished:       naiveISOPtr(j.FinishedAt),
		Failed:         naiveISOPtr(j.FailedAt),
		ProcessingTime: j.ProcessingTime,
		Output:         j.WorkerOutput,
		URLS: map[string]string{
			"URL-self":   base,
			"URL-status": base + "/status",
			"URL-claim":  base + "/claim",
			"URL-output": base + "/output",
		},
	}
}

// FetchResponse is the worker-facing shape returned by both the
// per-project and cross-project fetch endpoints (§6).
type FetchResponse struct {
	JobID       string            `json:"JobID"`
	Environment map[string]string `json:"Environment"`
	URLS        map[string]string `json:"URLS"`
}

// FromFetch builds the worker-facing fetch response for job j in project p.
func FromFetch(p *models.Project, j *models.Job, apiRoot string) FetchResponse {
	base := apiRoot + "/" + p.ID + "/jobs/" + j.ID
	return FetchResponse{
		JobID:       j.ID,
		Environment: decodeEnvironment(p.Environment),
		URLS: map[string]string{
			"URL-image":  p.ProcessingImageURL,
			"URL-source": j.SourceURL,
			"URL-target": j.TargetURL,
			"URL-claim":  base + "/claim",
			"URL-status": base + "/status",
			"URL-output": base + "/output",
		},
	}
}

// PeriodCount is one bucket of the jobs/count response.
type PeriodCount struct {
	Period        string            `json:"Period"`
	JobsClaimed   int64             `json:"JobsClaimed"`
	JobsFailed    int64             `json:"JobsFailed"`
	JobsFinished  int64             `json:"JobsFinished"`
	ActiveWorkers int64             `json:"ActiveWorkers"`
	URLS          map[string]string `json:"URLS"`
}

// AnalyzerLine is one ranked line group in the failures response.
type AnalyzerLine struct {
	Score       float64              `json:"Score"`
	Line        string               `json:"Line"`
	CommonLines []AnalyzerCommonLine `json:"CommonLines"`
	Jobs        []string             `json:"Jobs"`
}

// AnalyzerCommonLine is one member of an AnalyzerLine's common-lines list.
type AnalyzerCommonLine struct {
	Line  string  `json:"Line"`
	Score float64 `json:"Score"`
}

// JobSummary is the per-job entry in the failures response's Jobs map.
type JobSummary struct {
	Worker    string `json:"Worker"`
	Failed    string `json:"Failed"`
	SourceURL string `json:"SourceURL"`
}

// FromPeriodCount renders one count_by_time_period bucket for the wire.
func FromPeriodCount(c store.PeriodCount, projectID, apiRoot string) PeriodCount {
	return PeriodCount{
		Period:        c.PeriodLabel,
		JobsClaimed:   c.Claimed,
		JobsFailed:    c.Failed,
		JobsFinished:  c.Finished,
		ActiveWorkers: c.ActiveWorkers,
		URLS: map[string]string{
			"URL-self": apiRoot + "/" + projectID + "/jobs/count",
		},
	}
}

// FromAnalyzerGroups renders the C6 output for the failures endpoint,
// together with a per-job summary built from the failed jobs themselves.
func FromAnalyzerGroups(groups []analyzer.Group, jobs []models.Job) ([]AnalyzerLine, map[string]JobSummary) {
	lines := make([]AnalyzerLine, 0, len(groups))
	for _, g := range groups {
		common := make([]AnalyzerCommonLine, 0, len(g.CommonLines))
		for _, c := range g.CommonLines {
			common = append(common, AnalyzerCommonLine{Line: c.Line, Score: c.Score})
		}
		lines = append(lines, AnalyzerLine{
			Score:       g.Score,
			Line:        g.Line,
			CommonLines: common,
			Jobs:        g.JobIDs,
		})
	}

	summaries := make(map[string]JobSummary, len(jobs))
	for _, j := range jobs {
		summaries[j.ID] = JobSummary{
			Worker:    j.Worker,
			Failed:    naiveISOPtrValue(j.FailedAt),
			SourceURL: j.SourceURL,
		}
	}
	return lines, summaries
}

func naiveISOPtrValue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return naiveISO(*t)
}
