package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/media"
	"github.com/renderbarn/renderbarn/internal/storage/badger"
)

func newAssetHandler(t *testing.T) (*AssetHandler, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badger.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "badger"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	mediaStore, err := media.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	return NewAssetHandler(storage, mediaStore, logger), storage
}

func sceneUploadForm(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("blend_file", "scene.blend")
	require.NoError(t, err)
	_, err = part.Write([]byte("BLENDER-v405"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAssetUploadTopLevelRoute(t *testing.T) {
	h, storage := newAssetHandler(t)
	ctx := context.Background()

	require.NoError(t, storage.ProjectStorage().CreateProject(ctx, &models.Project{
		ID: "proj-1", Name: "shortfilm", CreatedAt: time.Now(),
	}))

	body, contentType := sceneUploadForm(t, map[string]string{
		"name":    "kitchen scene",
		"project": "proj-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/assets", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.UploadHandler(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var asset models.Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
	assert.Equal(t, "proj-1", asset.ProjectID)
	assert.Equal(t, "kitchen scene", asset.Name)
	assert.NotEmpty(t, asset.BlobPath)

	stored, err := storage.AssetStorage().GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.BlobPath, stored.BlobPath)
}

func TestAssetUploadUnknownProject(t *testing.T) {
	h, _ := newAssetHandler(t)

	body, contentType := sceneUploadForm(t, map[string]string{
		"name":    "kitchen scene",
		"project": "missing",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/assets", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.UploadHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssetUploadMissingProject(t *testing.T) {
	h, _ := newAssetHandler(t)

	body, contentType := sceneUploadForm(t, map[string]string{"name": "kitchen scene"})
	req := httptest.NewRequest(http.MethodPost, "/api/assets", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.UploadHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetListBothMounts(t *testing.T) {
	h, storage := newAssetHandler(t)
	ctx := context.Background()

	require.NoError(t, storage.ProjectStorage().CreateProject(ctx, &models.Project{
		ID: "proj-1", Name: "shortfilm", CreatedAt: time.Now(),
	}))
	require.NoError(t, storage.AssetStorage().CreateAsset(ctx, &models.Asset{
		ID: common.NewID(), ProjectID: "proj-1", Name: "kitchen scene",
		BlobPath: "proj-1/abc.blend", CreatedAt: time.Now(),
	}))
	require.NoError(t, storage.AssetStorage().CreateAsset(ctx, &models.Asset{
		ID: common.NewID(), ProjectID: "proj-2", Name: "other scene",
		BlobPath: "proj-2/def.blend", CreatedAt: time.Now(),
	}))

	decodeCount := func(rec *httptest.ResponseRecorder) int {
		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Count
	}

	rec := httptest.NewRecorder()
	h.ListHandler(rec, httptest.NewRequest(http.MethodGet, "/api/assets?project=proj-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeCount(rec))

	rec = httptest.NewRecorder()
	h.ListHandler(rec, httptest.NewRequest(http.MethodGet, "/api/projects/proj-1/assets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeCount(rec))

	rec = httptest.NewRecorder()
	h.ListHandler(rec, httptest.NewRequest(http.MethodGet, "/api/assets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeCount(rec), "no filter lists every asset")
}
