package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/decompose"
	"github.com/renderbarn/renderbarn/internal/services/media"
)

// TiledJobHandler manages single-image tiled renders.
type TiledJobHandler struct {
	storage    interfaces.StorageManager
	events     interfaces.EventService
	decomposer *decompose.Decomposer
	media      *media.Store
	logger     arbor.ILogger
}

func NewTiledJobHandler(storage interfaces.StorageManager, events interfaces.EventService, decomposer *decompose.Decomposer, mediaStore *media.Store, logger arbor.ILogger) *TiledJobHandler {
	return &TiledJobHandler{storage: storage, events: events, decomposer: decomposer, media: mediaStore, logger: logger}
}

type createTiledJobRequest struct {
	Name            string                 `json:"name" validate:"required,min=4,max=40"`
	ProjectID       string                 `json:"project" validate:"required"`
	AssetID         string                 `json:"asset_id" validate:"required"`
	OutputPattern   string                 `json:"output_file_pattern" validate:"required"`
	Frame           int                    `json:"frame"`
	FinalResX       int                    `json:"final_resolution_x" validate:"required,min=1"`
	FinalResY       int                    `json:"final_resolution_y" validate:"required,min=1"`
	TilesX          int                    `json:"tile_count_x" validate:"required,min=1,max=16"`
	TilesY          int                    `json:"tile_count_y" validate:"required,min=1,max=16"`
	RendererVersion string                 `json:"renderer_version" validate:"required"`
	Engine          string                 `json:"engine" validate:"required"`
	Device          models.RenderDevice    `json:"device"`
	FeatureSet      string                 `json:"feature_set"`
	Settings        map[string]interface{} `json:"render_settings"`
}

// CreateHandler handles POST /api/tiled-jobs. The tile grid is expanded
// into child jobs before the call returns.
func (h *TiledJobHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createTiledJobRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if req.Device == "" {
		req.Device = models.DeviceAny
	}
	if !req.Device.IsValid() {
		WriteError(w, http.StatusBadRequest, "invalid device: "+string(req.Device))
		return
	}

	ctx := r.Context()
	project, err := h.storage.ProjectStorage().GetProject(ctx, req.ProjectID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	asset, err := h.storage.AssetStorage().GetAsset(ctx, req.AssetID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if asset.ProjectID != project.ID {
		WriteError(w, http.StatusBadRequest, "asset belongs to a different project")
		return
	}

	settings := req.Settings
	if settings == nil {
		settings = map[string]interface{}{}
	}
	tiled := &models.TiledJob{
		ID:              common.NewID(),
		ProjectID:       project.ID,
		Name:            req.Name,
		AssetID:         asset.ID,
		OutputPattern:   req.OutputPattern,
		Frame:           req.Frame,
		FinalResX:       req.FinalResX,
		FinalResY:       req.FinalResY,
		TilesX:          req.TilesX,
		TilesY:          req.TilesY,
		Status:          models.TiledJobQueued,
		RendererVersion: req.RendererVersion,
		Engine:          req.Engine,
		Device:          req.Device,
		FeatureSet:      req.FeatureSet,
		Settings:        settings,
		SubmittedAt:     time.Now(),
	}
	if err := h.storage.TiledJobStorage().CreateTiledJob(ctx, tiled); err != nil {
		WriteStorageError(w, err)
		return
	}

	childCount, err := h.decomposer.ExpandTiledJob(ctx, tiled, project.IsPaused)
	if err != nil {
		h.rollbackTiledJob(r, tiled)
		WriteError(w, http.StatusInternalServerError, "decomposition failed: "+err.Error())
		return
	}

	h.logger.Info().
		Str("tiled_job_id", tiled.ID).
		Str("name", tiled.Name).
		Int("child_jobs", childCount).
		Msg("Tiled job created")
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"tiled_job":  tiled,
		"child_jobs": childCount,
	})
}

func (h *TiledJobHandler) rollbackTiledJob(r *http.Request, tiled *models.TiledJob) {
	ctx := r.Context()
	jobs, err := h.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{TiledJobID: &tiled.ID, IncludePaused: true})
	if err == nil {
		for _, job := range jobs {
			job.Status = models.JobStatusCanceled
			if uerr := h.storage.JobStorage().UpdateJob(ctx, job); uerr != nil {
				h.logger.Warn().Err(uerr).Int64("job_id", int64(job.ID)).Msg("Failed to cancel orphaned tile job")
			}
		}
	}
	tiled.Status = models.TiledJobError
	if err := h.storage.TiledJobStorage().UpdateTiledJob(ctx, tiled); err != nil {
		h.logger.Warn().Err(err).Str("tiled_job_id", tiled.ID).Msg("Failed to mark tiled job failed")
	}
}

// ListHandler handles GET /api/tiled-jobs.
func (h *TiledJobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	tiledJobs, err := h.storage.TiledJobStorage().ListTiledJobs(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tiled_jobs": tiledJobs,
		"count":      len(tiledJobs),
	})
}

// GetHandler handles GET /api/tiled-jobs/{id}.
func (h *TiledJobHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/tiled-jobs/")
	tiled, err := h.storage.TiledJobStorage().GetTiledJob(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tiled)
}

// CancelHandler handles POST /api/tiled-jobs/{id}/cancel.
func (h *TiledJobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/tiled-jobs/")
	ctx := r.Context()

	tiled, err := h.storage.TiledJobStorage().GetTiledJob(ctx, id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if tiled.Status == models.TiledJobDone || tiled.Status == models.TiledJobError {
		WriteJSON(w, http.StatusOK, tiled)
		return
	}

	jobs, err := h.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{TiledJobID: &id, IncludePaused: true})
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	now := time.Now()
	var canceled []*models.Job
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = models.JobStatusCanceled
		job.CompletedAt = &now
		if err := h.storage.JobStorage().UpdateJob(ctx, job); err != nil {
			WriteStorageError(w, err)
			return
		}
		canceled = append(canceled, job)
	}

	tiled.Status = models.TiledJobError
	tiled.CompletedAt = &now
	if err := h.storage.TiledJobStorage().UpdateTiledJob(ctx, tiled); err != nil {
		WriteStorageError(w, err)
		return
	}

	_ = h.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventTiledJobStatusChanged,
		Payload: map[string]interface{}{
			"tiled_job_id": tiled.ID,
			"status":       string(tiled.Status),
		},
	})

	// Tile transitions go out after the parent is terminal, so the
	// rollup treats them as no-ops and the event stream still carries
	// every per-job cancellation.
	for _, job := range canceled {
		publishJobStatus(ctx, h.events, h.logger, job)
	}

	h.logger.Info().
		Str("tiled_job_id", tiled.ID).
		Int("canceled_jobs", len(canceled)).
		Msg("Tiled job canceled")
	WriteJSON(w, http.StatusOK, tiled)
}

// DownloadOutputHandler handles GET /api/tiled-jobs/{id}/output, serving
// the assembled image.
func (h *TiledJobHandler) DownloadOutputHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/tiled-jobs/")
	tiled, err := h.storage.TiledJobStorage().GetTiledJob(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if tiled.OutputPath == "" {
		WriteError(w, http.StatusNotFound, "tiled job has no assembled output")
		return
	}
	http.ServeFile(w, r, h.media.Abs(tiled.OutputPath))
}
