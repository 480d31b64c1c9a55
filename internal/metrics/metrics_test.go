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
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestExposedOnHandler(t *testing.T) {
	Reset()
	ObserveRequest("POST /{project}/jobs", 201, 15*time.Millisecond)
	IncClaimConflict("proj1")
	SetProjectWeight("proj1", 2.5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`microq_api_http_requests_total{code="201",route="POST /{project}/jobs"} 1`,
		"microq_jobs_claim_conflicts_total",
		"microq_scheduler_project_weight",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestResetClearsPriorObservations(t *testing.T) {
	Reset()
	ObserveRequest("GET /healthz", 200, time.Millisecond)
	Reset()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), `route="GET /healthz"`) {
		t.Fatalf("expected Reset to clear prior observations, got:\n%s", rec.Body.String())
	}
}

func TestSanitizeLabelFallsBackOnEmpty(t *testing.T) {
	if got := sanitizeLabel("  ", "unknown"); got != "unknown" {
		t.Fatalf("sanitizeLabel(blank) = %q, want unknown", got)
	}
	if got := sanitizeLabel("proj one!", "unknown"); got != "proj_one_" {
		t.Fatalf("sanitizeLabel with spaces/punctuation = %q, want proj_one_", got)
	}
}
