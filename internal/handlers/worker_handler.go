package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// WorkerHandler manages agent registration and heartbeats.
type WorkerHandler struct {
	storage interfaces.StorageManager
	events  interfaces.EventService
	logger  arbor.ILogger
}

func NewWorkerHandler(storage interfaces.StorageManager, events interfaces.EventService, logger arbor.ILogger) *WorkerHandler {
	return &WorkerHandler{storage: storage, events: events, logger: logger}
}

type heartbeatRequest struct {
	Hostname     string                     `json:"hostname" validate:"required"`
	OS           string                     `json:"os"`
	Capabilities *models.WorkerCapabilities `json:"capabilities"`
}

// HeartbeatHandler handles POST /api/workers/heartbeat. A body carrying
// capabilities registers or refreshes the worker record; a hostname-only
// pulse just bumps last_seen and gets 404 for unknown hostnames so the
// agent knows to re-register.
func (h *WorkerHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.Capabilities == nil {
		worker, err := h.storage.WorkerStorage().TouchWorker(ctx, req.Hostname)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, worker)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	worker, err := h.storage.WorkerStorage().UpsertWorker(ctx, &models.Worker{
		Hostname:     req.Hostname,
		IP:           ip,
		OS:           req.OS,
		LastSeen:     time.Now(),
		IsActive:     true,
		Capabilities: *req.Capabilities,
	})
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	_ = h.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventWorkerRegistered,
		Payload: map[string]interface{}{
			"worker_id": worker.ID,
			"hostname":  worker.Hostname,
			"has_gpu":   worker.Capabilities.HasGPU(),
		},
	})

	h.logger.Info().
		Int64("worker_id", int64(worker.ID)).
		Str("hostname", worker.Hostname).
		Int("gpus", len(worker.Capabilities.GPUDevices)).
		Msg("Worker registered")
	WriteJSON(w, http.StatusOK, worker)
}

// ListHandler handles GET /api/workers.
func (h *WorkerHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	workers, err := h.storage.WorkerStorage().ListWorkers(r.Context())
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetHandler handles GET /api/workers/{id}.
func (h *WorkerHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/workers/")
	if !ok {
		return
	}
	worker, err := h.storage.WorkerStorage().GetWorker(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, worker)
}
