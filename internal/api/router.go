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

// Package api is the C7 request surface: a thin HTTP adapter over the
// store, scheduler, lifecycle, and analyzer packages. Every route is
// rooted at apiRoot ("/rest_api/v4" in production).
package api

import (
	"log/slog"
	"net/http"
	"time"

	"microq/internal/auth"
	"microq/internal/ctxkeys"
	"microq/internal/lifecycle"
	"microq/internal/metrics"
	"microq/internal/redact"
	"microq/internal/scheduler"
	"microq/internal/store"
)

// Handler holds the dependencies every route needs.
type Handler struct {
	store     *store.DB
	auth      *auth.Authenticator
	scheduler *scheduler.Scheduler
	lifecycle *lifecycle.Manager
	apiRoot   string
	rateLimit *RateLimiter
}

// NewRouter wires every §6 route onto an http.ServeMux rooted at apiRoot.
func NewRouter(db *store.DB, sched *scheduler.Scheduler, apiRoot string) http.Handler {
	h := &Handler{
		store:     db,
		auth:      auth.New(db),
		scheduler: sched,
		lifecycle: lifecycle.New(db),
		apiRoot:   apiRoot,
		rateLimit: NewRateLimiter(DefaultRateLimitConfig()),
	}
	return withCorrelationID(withMetrics(h.mux()))
}

func (h *Handler) mux() *http.ServeMux {
	mux := http.NewServeMux()
	root := h.apiRoot

	// Admin: any credential RequireAuth accepts (basic auth or a token), then
	// the admin role check; POST /admin/users and GET /token are rate limited
	// against credential stuffing.
	mux.Handle("POST "+root+"/admin/users", h.rateLimit.Middleware(h.auth.RequireAuth(h.requireAdmin(http.HandlerFunc(h.handleCreateUser)))))
	mux.Handle("GET "+root+"/admin/users/{id}", h.auth.RequireAuth(h.requireAdmin(http.HandlerFunc(h.handleGetUser))))
	mux.Handle("DELETE "+root+"/admin/users/{id}", h.auth.RequireAuth(h.requireAdmin(http.HandlerFunc(h.handleDeleteUser))))
	mux.Handle("GET "+root+"/token", h.rateLimit.Middleware(h.auth.RequireAuth(http.HandlerFunc(h.handleIssueToken))))

	// Projects.
	mux.Handle("GET "+root+"/projects", h.auth.RequireAuth(http.HandlerFunc(h.handleListProjects)))
	mux.Handle("GET "+root+"/projects/jobs/fetch", h.auth.RequireAuth(http.HandlerFunc(h.handleGlobalFetch)))
	mux.Handle("GET "+root+"/{project}", h.auth.RequireAuth(http.HandlerFunc(h.handleGetProject)))
	mux.Handle("PUT "+root+"/{project}", h.auth.RequireAuth(http.HandlerFunc(h.handlePutProject)))
	mux.Handle("DELETE "+root+"/{project}", h.auth.RequireAuth(http.HandlerFunc(h.handleDeleteProject)))

	// Jobs within a project.
	mux.Handle("GET "+root+"/{project}/jobs", h.auth.RequireAuth(http.HandlerFunc(h.handleListJobs)))
	mux.Handle("POST "+root+"/{project}/jobs", h.auth.RequireAuth(http.HandlerFunc(h.handlePostJobs)))
	mux.Handle("GET "+root+"/{project}/jobs/fetch", h.auth.RequireAuth(http.HandlerFunc(h.handleProjectFetch)))
	mux.Handle("GET "+root+"/{project}/jobs/count", h.auth.RequireAuth(http.HandlerFunc(h.handleJobsCount)))
	mux.Handle("GET "+root+"/{project}/failures", h.auth.RequireAuth(http.HandlerFunc(h.handleFailures)))

	mux.Handle("GET "+root+"/{project}/jobs/{id}/status", h.auth.RequireAuth(http.HandlerFunc(h.handleGetStatus)))
	mux.Handle("PUT "+root+"/{project}/jobs/{id}/status", h.auth.RequireAuth(http.HandlerFunc(h.handlePutStatus)))
	mux.Handle("GET "+root+"/{project}/jobs/{id}/claim", h.auth.RequireAuth(http.HandlerFunc(h.handleGetClaim)))
	mux.Handle("PUT "+root+"/{project}/jobs/{id}/claim", h.auth.RequireAuth(http.HandlerFunc(h.handlePutClaim)))
	mux.Handle("DELETE "+root+"/{project}/jobs/{id}/claim", h.auth.RequireAuth(http.HandlerFunc(h.handleDeleteClaim)))
	mux.Handle("GET "+root+"/{project}/jobs/{id}/output", h.auth.RequireAuth(http.HandlerFunc(h.handleGetOutput)))
	mux.Handle("PUT "+root+"/{project}/jobs/{id}/output", h.auth.RequireAuth(http.HandlerFunc(h.handlePutOutput)))

	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /healthz", http.HandlerFunc(handleHealthz))

	return mux
}

// handleHealthz is a minimal liveness endpoint: no payload beyond a status
// signal.
func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withCorrelationID assigns (or propagates, via X-Correlation-ID) a request
// correlation id and logs it on every request, redacting Authorization
// before it reaches the log line.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if in := r.Header.Get("X-Correlation-ID"); in != "" {
			ctx = ctxkeys.WithCorrelationID(ctx, in)
		}
		ctx, id := ctxkeys.EnsureCorrelationID(ctx)
		w.Header().Set("X-Correlation-ID", id)
		slog.Debug("request received",
			"correlation_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"authorization", redact.RedactAuthHeader(r.Header.Get("Authorization")),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin wraps next so it only runs for the service's single admin
// role; everyone else gets 403.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok || !authIsAdmin(user) {
			writeError(w, r, forbidden("admin privileges required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMetrics wraps every route with a request-duration/count observation,
// labeled by the matched ServeMux pattern rather than the raw path so a
// wildcard route like "/{project}/jobs" gets one series, not one per id.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		metrics.ObserveRequest(route, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
