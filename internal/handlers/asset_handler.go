package handlers

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/media"
)

// maxAssetUpload caps scene uploads at 2 GiB.
const maxAssetUpload = 2 << 30

// AssetHandler manages scene file uploads and downloads.
type AssetHandler struct {
	storage interfaces.StorageManager
	media   *media.Store
	logger  arbor.ILogger
}

func NewAssetHandler(storage interfaces.StorageManager, mediaStore *media.Store, logger arbor.ILogger) *AssetHandler {
	return &AssetHandler{storage: storage, media: mediaStore, logger: logger}
}

// UploadHandler handles POST /api/assets with a multipart form carrying
// "name", "project" and the scene bytes in "blend_file". The
// /api/projects/{id}/assets mount takes the project from the path
// instead. The blob is stored under a server-assigned token so the
// display name never hits the disk.
func (h *AssetHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxAssetUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	projectID := r.FormValue("project")
	if strings.HasPrefix(r.URL.Path, "/api/projects/") {
		projectID = PathSuffix(r, "/api/projects/")
	}
	if projectID == "" {
		WriteError(w, http.StatusBadRequest, "missing project")
		return
	}
	if _, err := h.storage.ProjectStorage().GetProject(ctx, projectID); err != nil {
		WriteStorageError(w, err)
		return
	}

	name := r.FormValue("name")
	if len(name) < 4 || len(name) > 40 {
		WriteError(w, http.StatusBadRequest, "name must be 4-40 characters")
		return
	}

	file, _, err := r.FormFile("blend_file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing blend_file upload")
		return
	}
	defer file.Close()

	assetID := common.NewID()
	blobPath, err := h.media.SaveAsset(projectID, common.ShortID(assetID), file)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	asset := &models.Asset{
		ID:        assetID,
		ProjectID: projectID,
		Name:      name,
		BlobPath:  blobPath,
		CreatedAt: time.Now(),
	}
	if err := h.storage.AssetStorage().CreateAsset(ctx, asset); err != nil {
		// Roll the orphaned blob back before reporting.
		if rmErr := h.media.Remove(blobPath); rmErr != nil {
			h.logger.Warn().Err(rmErr).Str("path", blobPath).Msg("Failed to remove orphaned asset blob")
		}
		WriteStorageError(w, err)
		return
	}

	h.logger.Info().
		Str("asset_id", asset.ID).
		Str("project_id", projectID).
		Str("name", name).
		Msg("Asset uploaded")
	WriteJSON(w, http.StatusCreated, asset)
}

// ListHandler handles GET /api/assets?project={id} and its
// /api/projects/{id}/assets alias.
func (h *AssetHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if strings.HasPrefix(r.URL.Path, "/api/projects/") {
		projectID = PathSuffix(r, "/api/projects/")
	}
	assets, err := h.storage.AssetStorage().ListAssets(r.Context(), projectID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"assets": assets,
		"count":  len(assets),
	})
}

// GetHandler handles GET /api/assets/{id}.
func (h *AssetHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/assets/")
	asset, err := h.storage.AssetStorage().GetAsset(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, asset)
}

// DownloadHandler handles GET /api/assets/{id}/download, streaming the
// scene bytes to the worker.
func (h *AssetHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/assets/")
	asset, err := h.storage.AssetStorage().GetAsset(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(asset.BlobPath))
	http.ServeFile(w, r, h.media.Abs(asset.BlobPath))
}

// DeleteHandler handles DELETE /api/assets/{id}. Refused with 409 while
// any job, animation or tiled job still references the asset.
func (h *AssetHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSuffix(r, "/api/assets/")
	asset, err := h.storage.AssetStorage().GetAsset(r.Context(), id)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	if err := h.storage.AssetStorage().DeleteAsset(r.Context(), id); err != nil {
		WriteStorageError(w, err)
		return
	}
	if err := h.media.Remove(asset.BlobPath); err != nil {
		h.logger.Warn().Err(err).Str("path", asset.BlobPath).Msg("Failed to remove asset blob")
	}

	h.logger.Info().Str("asset_id", id).Msg("Asset deleted")
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "asset deleted",
	})
}
