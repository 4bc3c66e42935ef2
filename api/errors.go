package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/resource-engine/allocation"
)

// classify maps a service error to its HTTP status and response body.
// ConsistencyFailure is checked first: it also wraps the failing cause,
// which may itself look like a client error.
func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var (
		consistency *allocation.ConsistencyError
		notFound    *allocation.NotFoundError
		conflict    *allocation.ConflictError
		invalid     *allocation.InvalidRequestError
		short       *allocation.InsufficientInventoryError
	)
	switch {
	case errors.As(err, &consistency):
		resp.Code = "consistency_failure"
		resp.Details = map[string]any{"operation": consistency.Op}
		return http.StatusInternalServerError, resp

	case errors.As(err, &notFound):
		resp.Code = "not_found"
		resp.Details = map[string]any{"entity": notFound.Entity, "id": notFound.ID}
		return http.StatusNotFound, resp

	case errors.As(err, &conflict):
		resp.Code = string(conflict.Reason)
		details := map[string]any{"resource_id": conflict.ResourceID}
		if conflict.EventID != "" {
			details["event_id"] = conflict.EventID
		}
		if len(conflict.ConflictingEvents) > 0 {
			details["conflicting_events"] = conflict.ConflictingEvents
		}
		if conflict.Reason == allocation.ReasonCapacityExceeded {
			details["in_use"] = conflict.InUse
			details["requested"] = conflict.Requested
			details["limit"] = conflict.Limit
		}
		resp.Details = details
		return http.StatusConflict, resp

	case errors.As(err, &invalid):
		resp.Code = invalid.Code
		if invalid.ResourceID != "" {
			resp.Details = map[string]any{"resource_id": invalid.ResourceID}
		}
		return http.StatusBadRequest, resp

	case errors.As(err, &short):
		resp.Code = "insufficient_inventory"
		resp.Details = map[string]any{
			"resource_id": short.ResourceID,
			"at":          short.At.Format(time.RFC3339),
			"available":   short.Available,
			"requested":   short.Requested,
			"shortfall":   short.Shortfall(),
		}
		return http.StatusUnprocessableEntity, resp

	case errors.Is(err, allocation.ErrNotPrivileged):
		resp.Code = "not_privileged"
		return http.StatusForbidden, resp
	}

	resp.Code = "internal"
	resp.Error = "internal error"
	return http.StatusInternalServerError, resp
}

// writeServiceError writes err as classified. Server-side failures are
// logged with the real cause, which is not leaked to the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// writeError is for failures detected by the handler itself (bad JSON,
// unknown scenario) before the service is called.
func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = map[string]any{"cause": err.Error()}
	}
	writeJSON(w, status, resp)
}
