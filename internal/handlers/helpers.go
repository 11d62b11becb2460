package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// validate checks request struct tags. Shared across handlers; the
// validator instance caches struct metadata and is safe for concurrent use.
var validate = validator.New()

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteStorageError maps storage sentinel errors to HTTP status codes.
func WriteStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, interfaces.ErrClaimConflict):
		WriteError(w, http.StatusConflict, "job already claimed")
	case errors.Is(err, interfaces.ErrDuplicateName):
		WriteError(w, http.StatusBadRequest, "name already in use")
	case errors.Is(err, interfaces.ErrAssetInUse):
		WriteError(w, http.StatusConflict, "asset is referenced by existing work")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// DecodeAndValidate decodes a JSON request body into dst and runs the
// validator over it. Writes the 400 response itself on failure.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return false
	}
	return true
}

// publishJobStatus delivers a job transition synchronously so parent
// rollups and the websocket stream observe one child at a time. Every
// handler that changes a job status goes through here.
func publishJobStatus(ctx context.Context, events interfaces.EventService, logger arbor.ILogger, job *models.Job) {
	err := events.PublishSync(ctx, interfaces.Event{
		Type: interfaces.EventJobStatusChanged,
		Payload: map[string]interface{}{
			"job_id": job.ID,
			"status": string(job.Status),
		},
	})
	if err != nil {
		logger.Error().Err(err).Int64("job_id", int64(job.ID)).Msg("Job status event failed")
	}
}

// PathSuffix returns the path component after prefix, with any trailing
// sub-path removed. "/api/jobs/42/cancel" with prefix "/api/jobs/" gives "42".
func PathSuffix(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

// PathUint64 parses the numeric entity ID after prefix.
func PathUint64(w http.ResponseWriter, r *http.Request, prefix string) (uint64, bool) {
	return parseUint64Param(w, PathSuffix(r, prefix))
}

func parseUint64Param(w http.ResponseWriter, raw string) (uint64, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id: "+raw)
		return 0, false
	}
	return id, true
}

// QueryBool parses an optional boolean query parameter. Returns nil when
// the parameter is absent.
func QueryBool(r *http.Request, name string) *bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	val := raw == "true" || raw == "1"
	return &val
}

// QueryInt parses an optional integer query parameter with a default.
func QueryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
		return v
	}
	return def
}
