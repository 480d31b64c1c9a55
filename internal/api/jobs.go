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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"microq/internal/analyzer"
	"microq/internal/apierr"
	"microq/internal/ctxkeys"
	"microq/internal/lifecycle"
	"microq/internal/metrics"
	"microq/internal/models"
	"microq/internal/redact"
	"microq/internal/store"
	"microq/internal/wire"
)

// handleListJobs is GET /{project}/jobs?type=&status=&worker=&start=&end=&limit=
func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	q := r.URL.Query()

	status := upperStatus(q.Get("status"))
	if status != "" && !models.ValidJobStates[status] {
		writeError(w, r, apierr.Validationf("unknown status %q", status))
		return
	}

	f := store.ListFilter{
		Type:          q.Get("type"),
		Worker:        q.Get("worker"),
		CurrentStatus: status,
	}
	if limitRaw := q.Get("limit"); limitRaw != "" {
		if n, err := strconv.Atoi(limitRaw); err == nil {
			f.Limit = n
		}
	}

	startRaw, endRaw := q.Get("start"), q.Get("end")
	if (startRaw != "" || endRaw != "") && status == "" {
		writeError(w, r, apierr.Validationf("start/end require status"))
		return
	}
	if timeField, ok := timeFieldFor(status); ok {
		f.TimeField = timeField
		if startRaw != "" {
			t, err := parseTimeParam(startRaw)
			if err != nil {
				writeError(w, r, err)
				return
			}
			f.Start = &t
		}
		if endRaw != "" {
			t, err := parseTimeParam(endRaw)
			if err != nil {
				writeError(w, r, err)
				return
			}
			f.End = &t
		}
	}

	jobs, err := h.store.ListJobs(r.Context(), project, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]wire.Job, 0, len(jobs))
	for i := range jobs {
		out = append(out, wire.FromJob(&jobs[i], h.apiRoot))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"Jobs":   out,
		"Status": status,
		"Start":  startRaw,
		"End":    endRaw,
		"Worker": f.Worker,
	})
}

func timeFieldFor(status string) (string, bool) {
	switch status {
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

// handlePostJobs is POST /{project}/jobs?now=ISO: accepts one job object or
// an array, all-or-nothing for arrays.
func (h *Handler) handlePostJobs(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	defaultNow, err := parseNow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, r, apierr.Validationf("malformed JSON body"))
		return
	}

	var list []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		jobs := make([]*models.Job, 0, len(list))
		for i, item := range list {
			job, jerr := parseJobFields(item, defaultNow)
			if jerr != nil {
				writeError(w, r, apierr.Validationf("Job#%d: %s", i, jerr.Error()))
				return
			}
			jobs = append(jobs, job)
		}
		if err := h.store.InsertJobs(r.Context(), project, jobs, defaultNow); err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]wire.Job, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, wire.FromJob(job, h.apiRoot))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"Jobs": out})
		return
	}

	var single map[string]json.RawMessage
	if err := json.Unmarshal(raw, &single); err != nil {
		writeError(w, r, apierr.Validationf("body must be a job object or an array of job objects"))
		return
	}
	job, jerr := parseJobFields(single, defaultNow)
	if jerr != nil {
		writeError(w, r, jerr)
		return
	}
	if err := h.store.InsertJob(r.Context(), project, job, job.AddedAt); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromJob(job, h.apiRoot))
}

// parseJobFields validates a job POST body against the §6 allowed-field
// set, requiring id and source_url.
func parseJobFields(fields map[string]json.RawMessage, defaultNow time.Time) (*models.Job, *apierr.Error) {
	strs := make(map[string]string, len(fields))
	for k, raw := range fields {
		if !models.JobInsertAllowedFields[k] {
			return nil, apierr.Validationf("%s is not an allowed field", k)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, apierr.Validationf("%s must be a string", k)
		}
		strs[k] = s
	}

	id := strs["id"]
	sourceURL := strs["source_url"]
	if id == "" || sourceURL == "" {
		return nil, apierr.Validationf("id and source_url are required")
	}

	addedAt := defaultNow
	if raw, ok := strs["added_timestamp"]; ok && raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			return nil, apierr.Validationf("bad added_timestamp format")
		}
		addedAt = t
	}

	return &models.Job{
		ID:            id,
		Type:          strs["type"],
		SourceURL:     sourceURL,
		TargetURL:     strs["target_url"],
		ViewResultURL: strs["view_result_url"],
		CurrentStatus: models.JobAvailable,
		AddedAt:       addedAt,
	}, nil
}

// handleProjectFetch is GET /{project}/jobs/fetch.
func (h *Handler) handleProjectFetch(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	p, err := h.store.GetProject(r.Context(), project)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := h.store.FetchUnclaimed(r.Context(), project, 1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(jobs) == 0 {
		writeError(w, r, apierr.New(apierr.NotFound, "no unclaimed jobs"))
		return
	}
	writeJSON(w, http.StatusOK, wire.FromFetch(p, &jobs[0], h.apiRoot))
}

// handleJobsCount is GET /{project}/jobs/count?period=&start=&end=
func (h *Handler) handleJobsCount(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	q := r.URL.Query()

	periodParam := q.Get("period")
	if periodParam == "" {
		periodParam = string(store.PeriodHourly)
	}
	period := store.Period(upperStatus(periodParam))
	var start, end *time.Time
	if raw := q.Get("start"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		start = &t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		end = &t
	}

	counts, err := h.store.CountByTimePeriod(r.Context(), project, period, start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]wire.PeriodCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, wire.FromPeriodCount(c, project, h.apiRoot))
	}
	writeJSON(w, http.StatusOK, map[string]any{"Counts": out})
}

// handleFailures is GET /{project}/failures?start=&end=: runs the C6
// analyzer over every FAILED job's worker_output in the window.
func (h *Handler) handleFailures(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	q := r.URL.Query()

	f := store.ListFilter{CurrentStatus: models.JobFailed, TimeField: "failed_at"}
	if raw := q.Get("start"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.Start = &t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.End = &t
	}

	jobs, err := h.store.ListJobs(r.Context(), project, f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	analyzerJobs := make([]analyzer.Job, 0, len(jobs))
	for _, j := range jobs {
		analyzerJobs = append(analyzerJobs, analyzer.Job{ID: j.ID, Output: j.WorkerOutput})
	}
	groups := analyzer.Rank(analyzerJobs)
	lines, summaries := wire.FromAnalyzerGroups(groups, jobs)
	writeJSON(w, http.StatusOK, map[string]any{"Lines": lines, "Jobs": summaries})
}

// handleGetStatus is GET /{project}/jobs/{id}/status.
func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("project"), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"Status":         job.CurrentStatus,
		"ProcessingTime": job.ProcessingTime,
	})
}

type statusUpdateRequest struct {
	Status         string   `json:"Status"`
	ProcessingTime *float64 `json:"ProcessingTime"`
}

// handlePutStatus is PUT /{project}/jobs/{id}/status.
func (h *Handler) handlePutStatus(w http.ResponseWriter, r *http.Request) {
	project, id := r.PathValue("project"), r.PathValue("id")

	var req statusUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierr.Validationf("malformed JSON body"))
		return
	}
	req.Status = upperStatus(req.Status)

	now, err := parseNow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	upd := lifecycle.StatusUpdate{Status: req.Status, ProcessingTime: req.ProcessingTime}
	if err := h.lifecycle.Transition(r.Context(), project, id, upd, now); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"Status": req.Status})
}

// handleGetClaim is GET /{project}/jobs/{id}/claim.
func (h *Handler) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("project"), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"Claimed": job.Claimed, "Worker": job.Worker})
}

type claimRequest struct {
	Worker string `json:"Worker"`
}

// handlePutClaim is PUT /{project}/jobs/{id}/claim.
func (h *Handler) handlePutClaim(w http.ResponseWriter, r *http.Request) {
	project, id := r.PathValue("project"), r.PathValue("id")

	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierr.Validationf("malformed JSON body"))
		return
	}
	now, err := parseNow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.lifecycle.Claim(r.Context(), project, id, req.Worker, now)
	if err != nil {
		if toAPIError(err).Kind == apierr.Conflict {
			metrics.IncClaimConflict(project)
			slog.Debug("claim conflict",
				"correlation_id", ctxkeys.GetCorrelationID(r.Context()),
				"project", project, "job_id", id,
				"worker", redact.RedactWorker(req.Worker))
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromJob(job, h.apiRoot))
}

// handleDeleteClaim is DELETE /{project}/jobs/{id}/claim.
func (h *Handler) handleDeleteClaim(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.Release(r.Context(), r.PathValue("project"), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetOutput is GET /{project}/jobs/{id}/output.
func (h *Handler) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("project"), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"Output": job.WorkerOutput})
}

type outputRequest struct {
	Output *string `json:"Output"`
}

// handlePutOutput is PUT /{project}/jobs/{id}/output.
func (h *Handler) handlePutOutput(w http.ResponseWriter, r *http.Request) {
	project, id := r.PathValue("project"), r.PathValue("id")

	var req outputRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, apierr.Validationf("malformed JSON body"))
			return
		}
	}
	hasOutput := req.Output != nil
	var output string
	if hasOutput {
		output = *req.Output
	}
	now, err := parseNow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	upd := lifecycle.OutputUpdate{Output: output}
	if err := h.lifecycle.SetOutput(r.Context(), project, id, upd, hasOutput, now); err != nil {
		writeError(w, r, err)
		return
	}
	if hasOutput {
		slog.Debug("worker output recorded",
			"correlation_id", ctxkeys.GetCorrelationID(r.Context()),
			"project", project, "job_id", id,
			"output_preview", redact.RedactWorkerOutput(previewOutput(output)))
	}
	writeJSON(w, http.StatusOK, map[string]string{"Output": output})
}

// previewOutput truncates worker_output to a log-friendly length before any
// redaction runs over it.
func previewOutput(output string) string {
	const maxPreview = 200
	if len(output) <= maxPreview {
		return output
	}
	return output[:maxPreview] + "…"
}
