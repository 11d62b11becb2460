package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/media"
)

// ProjectHandler manages project lifecycle and the pause gate.
type ProjectHandler struct {
	storage interfaces.StorageManager
	media   *media.Store
	logger  arbor.ILogger
}

func NewProjectHandler(storage interfaces.StorageManager, mediaStore *media.Store, logger arbor.ILogger) *ProjectHandler {
	return &ProjectHandler{storage: storage, media: mediaStore, logger: logger}
}

type createProjectRequest struct {
	Name string `json:"name" validate:"required,min=4,max=40"`
}

// CreateHandler handles POST /api/projects.
func (h *ProjectHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	project := &models.Project{
		ID:        common.NewID(),
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	if err := h.storage.ProjectStorage().CreateProject(r.Context(), project); err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().Str("project_id", project.ID).Str("name", project.Name).Msg("Project created")
	WriteJSON(w, http.StatusCreated, project)
}

// ListHandler handles GET /api/projects.
func (h *ProjectHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	projects, err := h.storage.ProjectStorage().ListProjects(r.Context())
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"count":    len(projects),
	})
}

// GetHandler handles GET /api/projects/{id}.
func (h *ProjectHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/projects/")
	project, err := h.storage.ProjectStorage().GetProject(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, project)
}

// PauseHandler handles POST /api/projects/{id}/pause. Queued jobs of a
// paused project become invisible to the worker poll; running jobs finish.
func (h *ProjectHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// UnpauseHandler handles POST /api/projects/{id}/unpause.
func (h *ProjectHandler) UnpauseHandler(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *ProjectHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := PathSuffix(r, "/api/projects/")
	project, err := h.storage.ProjectStorage().SetPaused(r.Context(), id, paused)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().Str("project_id", id).Bool("paused", paused).Msg("Project pause gate changed")
	WriteJSON(w, http.StatusOK, project)
}

// DeleteHandler handles DELETE /api/projects/{id}: removes the project and
// everything it owns - jobs, animations with their frames, tiled jobs,
// assets and stored media.
func (h *ProjectHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/projects/")
	ctx := r.Context()

	if _, err := h.storage.ProjectStorage().GetProject(ctx, id); err != nil {
		WriteStorageError(w, err)
		return
	}

	animations, err := h.storage.AnimationStorage().ListAnimations(ctx, id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	for _, anim := range animations {
		if err := h.storage.FrameStorage().DeleteFramesByAnimation(ctx, anim.ID); err != nil {
			WriteStorageError(w, err)
			return
		}
	}

	if err := h.storage.JobStorage().DeleteJobsByProject(ctx, id); err != nil {
		WriteStorageError(w, err)
		return
	}
	if err := h.storage.AnimationStorage().DeleteAnimationsByProject(ctx, id); err != nil {
		WriteStorageError(w, err)
		return
	}
	if err := h.storage.TiledJobStorage().DeleteTiledJobsByProject(ctx, id); err != nil {
		WriteStorageError(w, err)
		return
	}

	assets, err := h.storage.AssetStorage().ListAssets(ctx, id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	for _, asset := range assets {
		if err := h.storage.AssetStorage().DeleteAsset(ctx, asset.ID); err != nil {
			WriteStorageError(w, err)
			return
		}
	}

	if err := h.storage.ProjectStorage().DeleteProject(ctx, id); err != nil {
		WriteStorageError(w, err)
		return
	}
	if err := h.media.RemoveProject(id); err != nil {
		h.logger.Warn().Err(err).Str("project_id", id).Msg("Failed to remove project media")
	}

	h.logger.Info().Str("project_id", id).Msg("Project deleted")
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "project deleted",
	})
}
