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
	"errors"
	"log/slog"
	"net/http"

	"microq/internal/apierr"
	"microq/internal/ctxkeys"
	"microq/internal/lifecycle"
	"microq/internal/store"
)

// writeError translates err to the flat {"error": msg} envelope and status
// code table of §7. store sentinel errors are mapped to their apierr.Kind
// here, at the single chokepoint the design calls for; everything else
// surfaces as 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	correlationID := ctxkeys.GetCorrelationID(r.Context())

	if apiErr.Kind == apierr.Internal {
		slog.Error("request failed", "correlation_id", correlationID, "path", r.URL.Path, "method", r.Method, "error", err)
	} else {
		slog.Warn("request rejected", "correlation_id", correlationID, "path", r.URL.Path, "method", r.Method, "error", err)
	}

	if apiErr.Kind == apierr.AuthRequired {
		w.Header().Set("WWW-Authenticate", `Basic realm="microq"`)
	}

	writeJSON(w, apiErr.Kind.Status(), map[string]string{"error": apiErr.Message})
}

func toAPIError(err error) *apierr.Error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}

	var mf *lifecycle.ErrMissingField
	if errors.As(err, &mf) {
		return apierr.New(apierr.Validation, mf.Error())
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.New(apierr.NotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyClaimed):
		return apierr.New(apierr.Conflict, err.Error())
	case errors.Is(err, store.ErrInvalidField), errors.Is(err, store.ErrInvalidID):
		return apierr.New(apierr.Validation, err.Error())
	default:
		return apierr.New(apierr.Internal, "internal server error")
	}
}
