package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/decompose"
	"github.com/renderbarn/renderbarn/internal/services/media"
)

// AnimationHandler manages multi-frame parents and their frame containers.
type AnimationHandler struct {
	storage    interfaces.StorageManager
	events     interfaces.EventService
	decomposer *decompose.Decomposer
	media      *media.Store
	logger     arbor.ILogger
}

func NewAnimationHandler(storage interfaces.StorageManager, events interfaces.EventService, decomposer *decompose.Decomposer, mediaStore *media.Store, logger arbor.ILogger) *AnimationHandler {
	return &AnimationHandler{storage: storage, events: events, decomposer: decomposer, media: mediaStore, logger: logger}
}

type createAnimationRequest struct {
	Name            string                 `json:"name" validate:"required,min=4,max=40"`
	ProjectID       string                 `json:"project" validate:"required"`
	AssetID         string                 `json:"asset_id" validate:"required"`
	OutputPattern   string                 `json:"output_file_pattern" validate:"required"`
	StartFrame      int                    `json:"start_frame"`
	EndFrame        int                    `json:"end_frame"`
	FrameStep       int                    `json:"frame_step"`
	Tiling          models.TilingConfig    `json:"tiling_config"`
	FinalResX       int                    `json:"final_resolution_x"`
	FinalResY       int                    `json:"final_resolution_y"`
	RendererVersion string                 `json:"renderer_version" validate:"required"`
	Engine          string                 `json:"engine" validate:"required"`
	Device          models.RenderDevice    `json:"device"`
	FeatureSet      string                 `json:"feature_set"`
	Settings        map[string]interface{} `json:"render_settings"`
}

// CreateHandler handles POST /api/animations. Decomposition into child
// jobs happens inside this call; the children are queued when it returns.
func (h *AnimationHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createAnimationRequest
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
	if req.EndFrame < req.StartFrame {
		WriteError(w, http.StatusBadRequest, "end_frame must not precede start_frame")
		return
	}
	if req.Tiling == "" {
		req.Tiling = models.TilingNone
	}
	if _, _, err := req.Tiling.Grid(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Tiling.IsTiled() && (req.FinalResX < 1 || req.FinalResY < 1) {
		WriteError(w, http.StatusBadRequest, "tiled animations require final_resolution_x and final_resolution_y")
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
	anim := &models.Animation{
		ProjectID:       project.ID,
		Name:            req.Name,
		AssetID:         asset.ID,
		OutputPattern:   req.OutputPattern,
		StartFrame:      req.StartFrame,
		EndFrame:        req.EndFrame,
		FrameStep:       req.FrameStep,
		Tiling:          req.Tiling,
		FinalResX:       req.FinalResX,
		FinalResY:       req.FinalResY,
		Status:          models.JobStatusQueued,
		RendererVersion: req.RendererVersion,
		Engine:          req.Engine,
		Device:          req.Device,
		FeatureSet:      req.FeatureSet,
		Settings:        settings,
		SubmittedAt:     time.Now(),
	}
	if err := h.storage.AnimationStorage().CreateAnimation(ctx, anim); err != nil {
		WriteStorageError(w, err)
		return
	}

	childCount, err := h.decomposer.ExpandAnimation(ctx, anim, project.IsPaused)
	if err != nil {
		h.rollbackAnimation(r, anim)
		WriteError(w, http.StatusInternalServerError, "decomposition failed: "+err.Error())
		return
	}

	h.logger.Info().
		Int64("animation_id", int64(anim.ID)).
		Str("name", anim.Name).
		Int("child_jobs", childCount).
		Msg("Animation created")
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"animation":  anim,
		"child_jobs": childCount,
	})
}

// rollbackAnimation removes a half-decomposed animation so a failed create
// leaves nothing behind.
func (h *AnimationHandler) rollbackAnimation(r *http.Request, anim *models.Animation) {
	ctx := r.Context()
	jobs, err := h.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{AnimationID: &anim.ID, IncludePaused: true})
	if err == nil {
		for _, job := range jobs {
			job.Status = models.JobStatusCanceled
			if uerr := h.storage.JobStorage().UpdateJob(ctx, job); uerr != nil {
				h.logger.Warn().Err(uerr).Int64("job_id", int64(job.ID)).Msg("Failed to cancel orphaned child job")
			}
		}
	}
	if err := h.storage.FrameStorage().DeleteFramesByAnimation(ctx, anim.ID); err != nil {
		h.logger.Warn().Err(err).Int64("animation_id", int64(anim.ID)).Msg("Failed to remove orphaned frames")
	}
	anim.Status = models.JobStatusError
	if err := h.storage.AnimationStorage().UpdateAnimation(ctx, anim); err != nil {
		h.logger.Warn().Err(err).Int64("animation_id", int64(anim.ID)).Msg("Failed to mark animation failed")
	}
}

// ListHandler handles GET /api/animations.
func (h *AnimationHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	animations, err := h.storage.AnimationStorage().ListAnimations(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"animations": animations,
		"count":      len(animations),
	})
}

// GetHandler handles GET /api/animations/{id}.
func (h *AnimationHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/animations/")
	if !ok {
		return
	}
	anim, err := h.storage.AnimationStorage().GetAnimation(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, anim)
}

// ListFramesHandler handles GET /api/animations/{id}/frames.
func (h *AnimationHandler) ListFramesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/animations/")
	if !ok {
		return
	}
	if _, err := h.storage.AnimationStorage().GetAnimation(r.Context(), id); err != nil {
		WriteStorageError(w, err)
		return
	}
	frames, err := h.storage.FrameStorage().ListFrames(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"count":  len(frames),
	})
}

// CancelHandler handles POST /api/animations/{id}/cancel: cancels every
// non-terminal child job and terminates the parent as CANCELED. Workers
// already rendering a child observe the cancellation on their next poll.
func (h *AnimationHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/animations/")
	if !ok {
		return
	}
	ctx := r.Context()

	anim, err := h.storage.AnimationStorage().GetAnimation(ctx, id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if anim.Status.IsTerminal() {
		WriteJSON(w, http.StatusOK, anim)
		return
	}

	jobs, err := h.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{AnimationID: &id, IncludePaused: true})
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

	frames, err := h.storage.FrameStorage().ListFrames(ctx, id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	for _, frame := range frames {
		if frame.Status == models.FrameStatusDone || frame.Status == models.FrameStatusError {
			continue
		}
		frame.Status = models.FrameStatusError
		if err := h.storage.FrameStorage().UpdateFrame(ctx, frame); err != nil {
			WriteStorageError(w, err)
			return
		}
	}

	anim.Status = models.JobStatusCanceled
	anim.CompletedAt = &now
	if err := h.storage.AnimationStorage().UpdateAnimation(ctx, anim); err != nil {
		WriteStorageError(w, err)
		return
	}

	_ = h.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventAnimationStatusChanged,
		Payload: map[string]interface{}{
			"animation_id": anim.ID,
			"status":       string(anim.Status),
		},
	})

	// Child transitions go out after the parent is terminal, so the
	// rollup treats them as no-ops and the event stream still carries
	// every per-job cancellation.
	for _, job := range canceled {
		publishJobStatus(ctx, h.events, h.logger, job)
	}

	h.logger.Info().
		Int64("animation_id", int64(anim.ID)).
		Int("canceled_jobs", len(canceled)).
		Msg("Animation canceled")
	WriteJSON(w, http.StatusOK, anim)
}

// FrameOutputHandler handles GET /api/frames/{id}/output, serving the
// assembled frame image.
func (h *AnimationHandler) FrameOutputHandler(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/frames/")
	raw = strings.TrimSuffix(raw, "/output")
	id, ok := parseUint64Param(w, raw)
	if !ok {
		return
	}
	frame, err := h.storage.FrameStorage().GetFrame(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if frame.OutputPath == "" {
		WriteError(w, http.StatusNotFound, "frame has no assembled output")
		return
	}
	http.ServeFile(w, r, h.media.Abs(frame.OutputPath))
}
