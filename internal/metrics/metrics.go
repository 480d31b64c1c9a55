// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	claimConflicts      *prometheus.CounterVec
	projectWeight       *prometheus.GaugeVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used by
// tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a completed HTTP request, labeled by route pattern
// (e.g. "POST /{project}/jobs") and status code.
func ObserveRequest(route string, code int, duration time.Duration) {
	labelRoute := sanitizeLabel(route, "unknown")
	if method, path, ok := strings.Cut(strings.TrimSpace(route), " "); ok {
		labelRoute = sanitizeLabel(method, "unknown") + " " + sanitizeLabel(path, "unknown")
	}
	status := strconv.Itoa(code)

	mu.RLock()
	defer mu.RUnlock()
	if httpRequests != nil {
		httpRequests.WithLabelValues(labelRoute, status).Inc()
	}
	if httpRequestDuration != nil {
		httpRequestDuration.WithLabelValues(labelRoute).Observe(durationSeconds(duration))
	}
}

// IncClaimConflict records a claim attempt that lost the race (409).
func IncClaimConflict(project string) {
	mu.RLock()
	defer mu.RUnlock()
	if claimConflicts != nil {
		claimConflicts.WithLabelValues(sanitizeLabel(project, "unknown")).Inc()
	}
}

// SetProjectWeight records the C4 scheduler weight computed for a project
// the last time the global fetch endpoint sampled it.
func SetProjectWeight(project string, weight float64) {
	mu.RLock()
	defer mu.RUnlock()
	if projectWeight != nil {
		projectWeight.WithLabelValues(sanitizeLabel(project, "unknown")).Set(weight)
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microq",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests grouped by route and status code.",
	}, []string{"route", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "microq",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests by route.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route"})

	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microq",
		Subsystem: "jobs",
		Name:      "claim_conflicts_total",
		Help:      "Total claim attempts that lost the race against a concurrent claim.",
	}, []string{"project"})

	weight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "microq",
		Subsystem: "scheduler",
		Name:      "project_weight",
		Help:      "Last-computed C4 priority weight for a project, sampled at global fetch time.",
	}, []string{"project"})

	registry.MustRegister(reqTotal, reqDuration, conflicts, weight)

	reg = registry
	httpRequests = reqTotal
	httpRequestDuration = reqDuration
	claimConflicts = conflicts
	projectWeight = weight
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' || r == '/' || r == '{' || r == '}' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
