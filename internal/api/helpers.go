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
	"strings"
	"time"

	"microq/internal/apierr"
	"microq/internal/models"
	pkgauth "microq/pkg/auth"
)

func authIsAdmin(user *models.User) bool {
	return pkgauth.IsAdmin(user)
}

func forbidden(msg string) *apierr.Error {
	return apierr.New(apierr.Forbidden, msg)
}

// parseNow reads an optional ?now=ISO query parameter, defaulting to the
// wall clock. Accepts RFC3339 or the naive (no-timezone) form the wire uses.
func parseNow(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("now")
	if raw == "" {
		return time.Now().UTC(), nil
	}
	return parseTimeParam(raw)
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apierr.Validationf("bad time format %q", raw)
}

// upperStatus uppercases a status query/body value before it is matched
// against models.ValidJobStates, per §6: "Accept lower-case in query
// strings."
func upperStatus(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
