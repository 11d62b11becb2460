package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/media"
	"github.com/renderbarn/renderbarn/internal/services/thumbs"
)

// maxOutputUpload caps rendered artifact uploads at 1 GiB.
const maxOutputUpload = 1 << 30

// JobHandler manages atomic jobs: submission, the worker poll and claim,
// status transitions and artifact uploads.
type JobHandler struct {
	storage interfaces.StorageManager
	events  interfaces.EventService
	media   *media.Store
	thumbs  *thumbs.Generator
	logger  arbor.ILogger
}

func NewJobHandler(storage interfaces.StorageManager, events interfaces.EventService, mediaStore *media.Store, thumbGen *thumbs.Generator, logger arbor.ILogger) *JobHandler {
	return &JobHandler{storage: storage, events: events, media: mediaStore, thumbs: thumbGen, logger: logger}
}

type createJobRequest struct {
	Name            string                 `json:"name" validate:"required,min=4,max=40"`
	ProjectID       string                 `json:"project" validate:"required"`
	AssetID         string                 `json:"asset_id" validate:"required"`
	OutputPattern   string                 `json:"output_file_pattern" validate:"required"`
	StartFrame      int                    `json:"start_frame"`
	EndFrame        int                    `json:"end_frame"`
	RendererVersion string                 `json:"renderer_version" validate:"required"`
	Engine          string                 `json:"engine" validate:"required"`
	Device          models.RenderDevice    `json:"device"`
	FeatureSet      string                 `json:"feature_set"`
	Settings        map[string]interface{} `json:"render_settings"`
}

// CreateHandler handles POST /api/jobs.
func (h *JobHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
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
	job := &models.Job{
		Name:            req.Name,
		ProjectID:       project.ID,
		AssetID:         asset.ID,
		OutputPattern:   req.OutputPattern,
		StartFrame:      req.StartFrame,
		EndFrame:        req.EndFrame,
		Status:          models.JobStatusQueued,
		SubmittedAt:     time.Now(),
		RendererVersion: req.RendererVersion,
		Engine:          req.Engine,
		Device:          req.Device,
		FeatureSet:      req.FeatureSet,
		Settings:        settings,
		ProjectPaused:   project.IsPaused,
	}
	if err := h.storage.JobStorage().CreateJob(ctx, job); err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().Int64("job_id", int64(job.ID)).Str("name", job.Name).Msg("Job submitted")
	WriteJSON(w, http.StatusCreated, job)
}

// ListHandler handles GET /api/jobs. The worker poll uses
// status=QUEUED&assigned_worker__isnull=true&gpu_available=<bool>; results
// come back oldest submission first.
func (h *JobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &interfaces.JobListOptions{
		ProjectID: q.Get("project"),
		Limit:     QueryInt(r, "limit", 0),
		Offset:    QueryInt(r, "offset", 0),
	}

	if raw := q.Get("status"); raw != "" {
		status := models.JobStatus(strings.ToUpper(raw))
		if !status.IsValid() {
			WriteError(w, http.StatusBadRequest, "invalid status: "+raw)
			return
		}
		opts.Status = status
	}
	if v := QueryBool(r, "assigned_worker__isnull"); v != nil && *v {
		opts.UnassignedOnly = true
	}
	opts.GPUAvailable = QueryBool(r, "gpu_available")
	if v := QueryBool(r, "include_paused"); v != nil && *v {
		opts.IncludePaused = true
	}

	jobs, err := h.storage.JobStorage().ListJobs(r.Context(), opts)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetHandler handles GET /api/jobs/{id}. Workers poll this during a render
// to observe cancellation.
func (h *JobHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/jobs/")
	if !ok {
		return
	}
	job, err := h.storage.JobStorage().GetJob(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

type patchJobRequest struct {
	AssignedWorker    *uint64           `json:"assigned_worker"`
	Status            *models.JobStatus `json:"status"`
	RenderTimeSeconds *float64          `json:"render_time_s"`
	ErrorMessage      string            `json:"error_message"`
}

// PatchHandler handles PATCH /api/jobs/{id}. A body carrying
// assigned_worker is the conditional claim: it succeeds only while the job
// is QUEUED and unassigned, otherwise 409. A body carrying status drives
// the lifecycle; illegal transitions get 400, repeating the current
// terminal status is a no-op.
func (h *JobHandler) PatchHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/jobs/")
	if !ok {
		return
	}
	var req patchJobRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.AssignedWorker != nil {
		h.claim(ctx, w, id, *req.AssignedWorker)
		return
	}
	if req.Status == nil {
		WriteError(w, http.StatusBadRequest, "body must carry assigned_worker or status")
		return
	}
	h.transition(ctx, w, id, &req)
}

func (h *JobHandler) claim(ctx context.Context, w http.ResponseWriter, jobID, workerID uint64) {
	if _, err := h.storage.WorkerStorage().GetWorker(ctx, workerID); err != nil {
		WriteStorageError(w, err)
		return
	}

	job, err := h.storage.JobStorage().ClaimJob(ctx, jobID, workerID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().Int64("job_id", int64(jobID)).Int64("worker_id", int64(workerID)).Msg("Job claimed")
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) transition(ctx context.Context, w http.ResponseWriter, jobID uint64, req *patchJobRequest) {
	next := *req.Status
	if !next.IsValid() {
		WriteError(w, http.StatusBadRequest, "invalid status: "+string(next))
		return
	}

	job, err := h.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	// Repeating the current terminal status is idempotent.
	if job.Status == next && job.Status.IsTerminal() {
		WriteJSON(w, http.StatusOK, job)
		return
	}
	if !job.CanTransition(next) {
		WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("illegal transition %s -> %s", job.Status, next))
		return
	}

	now := time.Now()
	job.Status = next
	switch next {
	case models.JobStatusRendering:
		job.StartedAt = &now
	case models.JobStatusDone:
		job.CompletedAt = &now
		if req.RenderTimeSeconds != nil {
			job.RenderTimeSeconds = *req.RenderTimeSeconds
		}
	case models.JobStatusError:
		job.CompletedAt = &now
		job.ErrorMessage = req.ErrorMessage
		if req.RenderTimeSeconds != nil {
			job.RenderTimeSeconds = *req.RenderTimeSeconds
		}
	case models.JobStatusCanceled:
		job.CompletedAt = &now
	}

	if err := h.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		WriteStorageError(w, err)
		return
	}

	h.publishStatus(ctx, job)
	h.logger.Info().
		Int64("job_id", int64(job.ID)).
		Str("status", string(job.Status)).
		Msg("Job status changed")
	WriteJSON(w, http.StatusOK, job)
}

// CancelHandler handles POST /api/jobs/{id}/cancel. Canceling a terminal
// job is a no-op; a rendering worker observes the CANCELED status on its
// next cancellation poll.
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/jobs/")
	if !ok {
		return
	}
	ctx := r.Context()

	job, err := h.storage.JobStorage().GetJob(ctx, id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if job.Status.IsTerminal() {
		WriteJSON(w, http.StatusOK, job)
		return
	}

	now := time.Now()
	job.Status = models.JobStatusCanceled
	job.CompletedAt = &now
	if err := h.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		WriteStorageError(w, err)
		return
	}

	h.publishStatus(ctx, job)
	h.logger.Info().Int64("job_id", int64(job.ID)).Msg("Job canceled")
	WriteJSON(w, http.StatusOK, job)
}

// UploadOutputHandler handles POST /api/jobs/{id}/upload_output. Multipart
// form with the artifact in "output_file". The worker uploads before it
// reports DONE so the output is in place when the parent rollup runs.
func (h *JobHandler) UploadOutputHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/jobs/")
	if !ok {
		return
	}
	ctx := r.Context()

	job, err := h.storage.JobStorage().GetJob(ctx, id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if job.Status != models.JobStatusRendering {
		WriteError(w, http.StatusBadRequest, "job is not rendering")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxOutputUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("output_file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing output_file upload")
		return
	}
	defer file.Close()

	rel, err := h.media.SaveJobOutput(job.ProjectID, job.ID, header.Filename, file)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job.OutputPath = rel

	// Tile outputs are stitched later; only leaf artifacts get previews.
	if job.AnimationFrameID == nil && job.TiledJobID == nil {
		if thumbRel, terr := h.thumbs.Generate(rel, job.ProjectID, "job", fmt.Sprintf("%d", job.ID)); terr == nil {
			job.ThumbnailPath = thumbRel
		} else {
			h.logger.Warn().Err(terr).Int64("job_id", int64(job.ID)).Msg("Job thumbnail generation failed")
		}
	}

	if err := h.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().Int64("job_id", int64(job.ID)).Str("output", rel).Msg("Job output uploaded")
	WriteJSON(w, http.StatusOK, job)
}

// DownloadOutputHandler handles GET /api/jobs/{id}/output.
func (h *JobHandler) DownloadOutputHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := PathUint64(w, r, "/api/jobs/")
	if !ok {
		return
	}
	job, err := h.storage.JobStorage().GetJob(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if job.OutputPath == "" {
		WriteError(w, http.StatusNotFound, "job has no output")
		return
	}
	http.ServeFile(w, r, h.media.Abs(job.OutputPath))
}

// publishStatus delivers the transition to the aggregator synchronously so
// parent rollups observe one child at a time.
func (h *JobHandler) publishStatus(ctx context.Context, job *models.Job) {
	publishJobStatus(ctx, h.events, h.logger, job)
}
