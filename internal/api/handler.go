// Package api provides the HTTP API handlers and routing for the batch service.
package api

import (
	"batch/internal/apperrors"
	"batch/internal/health"
	"batch/internal/job"
	"batch/internal/store"
	"batch/pkg/model"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxRequestBodySize caps decoded request bodies.
const maxRequestBodySize = 1 << 20

// Handler contains HTTP handlers for the batch API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// CreateJob handles POST /jobs/create
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	j, err := h.svc.CreateJob(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /jobs?state=&batch_id=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{BatchID: q.Get("batch_id")}
	if s := q.Get("state"); s != "" {
		state, err := model.ParseState(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.State = state
	}

	jobs, err := h.svc.ListJobs(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// JobLog handles GET /jobs/{id}/log
func (h *Handler) JobLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log, err := h.svc.Log(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.LogResponse{ID: id, Log: log})
}

// CancelJob handles POST /jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteJob handles DELETE /jobs/{id}/delete
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateBatch handles POST /batches/create
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.svc.CreateBatch(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, b)
}

// GetBatch handles GET /batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// RefreshState handles POST /refresh_k8s_state - re-inspects every active job.
func (h *Handler) RefreshState(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Refresh(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the executor or the store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// decode reads a JSON body into v, writing a 400 on failure. An empty body
// leaves v at its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status, "requestId", RequestID(r.Context()))
	}
	writeError(w, status, apperrors.PublicMessage(err))
}
