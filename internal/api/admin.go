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
	"net/http"

	"microq/internal/apierr"
	"microq/internal/auth"
)

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleCreateUser is POST /admin/users, admin-only (§6 Admin table).
func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apierr.Validationf("malformed JSON body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, apierr.Validationf("username and password are required"))
		return
	}

	user, err := h.auth.CreateUser(r.Context(), req.Username, req.Password, "user")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": user.Username, "userid": user.ID})
}

// handleGetUser is GET /admin/users/{id}, admin-only.
func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": user.Username})
}

// handleDeleteUser is DELETE /admin/users/{id}, admin-only.
func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIssueToken is GET /token: authenticated via RequireAuth (basic auth
// or an existing token), mints a fresh bearer token valid for
// auth.TokenDuration.
func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, apierr.New(apierr.AuthRequired, "authentication required"))
		return
	}
	tok, err := h.auth.IssueToken(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    tok.Value,
		"duration": int(auth.TokenDuration.Seconds()),
	})
}
