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
	"net/http"

	"microq/internal/apierr"
	"microq/internal/auth"
	"microq/internal/metrics"
	"microq/internal/models"
	"microq/internal/store"
	"microq/internal/wire"
)

// handleListProjects is GET /projects?only_active={0|1}.
func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("only_active") == "1"
	projects, err := h.store.ListProjects(r.Context(), nil, onlyActive, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]wire.Project, 0, len(projects))
	for i := range projects {
		out = append(out, wire.FromProject(&projects[i], h.apiRoot))
	}
	writeJSON(w, http.StatusOK, map[string]any{"Projects": out})
}

// handleGetProject is GET /{project}?now=ISO.
func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("project")
	p, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now, err := parseNow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	states, err := h.store.CountByStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromProjectDetail(p, h.apiRoot, states, now))
}

// handlePutProject is PUT /{project}: creates the project if absent (201)
// or applies settable-field overwrites if present (204).
func (h *Handler) handlePutProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("project")
	if !store.ValidProjectID(id) {
		writeError(w, r, apierr.Validationf("invalid project id %q", id))
		return
	}

	var body map[string]json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, apierr.Validationf("malformed JSON body"))
			return
		}
	}

	fields := make(map[string]string, len(body))
	for k, raw := range body {
		if !models.ProjectSettableFields[k] {
			writeError(w, r, apierr.Validationf("%s is not a settable field", k))
			return
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			writeError(w, r, apierr.Validationf("%s must be a string", k))
			return
		}
		fields[k] = s
	}

	user, _ := auth.UserFromContext(r.Context())
	creator := ""
	if user != nil {
		creator = user.Username
	}

	_, err := h.store.GetProject(r.Context(), id)
	switch {
	case err == nil:
		if uerr := h.store.UpdateProject(r.Context(), id, fields, nil); uerr != nil {
			writeError(w, r, uerr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case isNotFound(err):
		if _, cerr := h.store.InsertProject(r.Context(), id, creator, fields); cerr != nil {
			writeError(w, r, cerr)
			return
		}
		w.WriteHeader(http.StatusCreated)
	default:
		writeError(w, r, err)
	}
}

// handleDeleteProject is DELETE /{project}.
func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("project")
	if err := h.store.RemoveProject(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// handleGlobalFetch is GET /projects/jobs/fetch: picks a project by C4
// weight and returns one of its unclaimed jobs; the job stays unclaimed
// until the worker PUTs its claim.
func (h *Handler) handleGlobalFetch(w http.ResponseWriter, r *http.Request) {
	now, err := parseNow(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	project, job, err := h.scheduler.FetchNext(r.Context(), now)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.SetProjectWeight(project.ID, h.scheduler.Weight(project, now))
	writeJSON(w, http.StatusOK, wire.FromFetch(project, job, h.apiRoot))
}

func isNotFound(err error) bool {
	ae := toAPIError(err)
	return ae.Kind == apierr.NotFound
}
