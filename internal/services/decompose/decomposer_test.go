package decompose

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/storage/badger"
)

func newTestStorage(t *testing.T) interfaces.StorageManager {
	t.Helper()
	storage, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "badger"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func testAnimation(name string, tiling models.TilingConfig) *models.Animation {
	return &models.Animation{
		ID:              1,
		ProjectID:       "proj-1",
		Name:            name,
		AssetID:         "asset-1",
		OutputPattern:   "frame_####",
		StartFrame:      1,
		EndFrame:        3,
		FrameStep:       1,
		Tiling:          tiling,
		FinalResX:       1920,
		FinalResY:       1080,
		Status:          models.JobStatusQueued,
		RendererVersion: "4.5",
		Engine:          "CYCLES",
		Device:          models.DeviceAny,
		Settings:        map[string]interface{}{"samples": 64},
		SubmittedAt:     time.Now(),
	}
}

func TestExpandAnimationPerFrame(t *testing.T) {
	storage := newTestStorage(t)
	d := NewDecomposer(storage.JobStorage(), storage.FrameStorage(), arbor.NewLogger())
	ctx := context.Background()

	anim := testAnimation("walkcycle", models.TilingNone)
	created, err := d.ExpandAnimation(ctx, anim, false)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	jobs, err := storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{AnimationID: &anim.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, "walkcycle_Frame_0001", jobs[0].Name)
	assert.Equal(t, "walkcycle_Frame_0002", jobs[1].Name)
	assert.Equal(t, "walkcycle_Frame_0003", jobs[2].Name)
	for i, job := range jobs {
		assert.Equal(t, i+1, job.StartFrame)
		assert.Equal(t, job.StartFrame, job.EndFrame)
		assert.Equal(t, models.JobStatusQueued, job.Status)
		assert.Equal(t, anim.ID, *job.AnimationID)
		assert.Nil(t, job.AnimationFrameID)
		assert.Equal(t, "CYCLES", job.Engine)
		assert.Equal(t, 64, job.Settings["samples"])
	}

	// No frame containers for a non-tiled animation.
	frames, err := storage.FrameStorage().ListFrames(ctx, anim.ID)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestExpandAnimationFrameStep(t *testing.T) {
	storage := newTestStorage(t)
	d := NewDecomposer(storage.JobStorage(), storage.FrameStorage(), arbor.NewLogger())

	anim := testAnimation("stepped", models.TilingNone)
	anim.EndFrame = 10
	anim.FrameStep = 4

	created, err := d.ExpandAnimation(context.Background(), anim, false)
	require.NoError(t, err)
	assert.Equal(t, 3, created) // frames 1, 5, 9
}

func TestExpandAnimationTiled(t *testing.T) {
	storage := newTestStorage(t)
	d := NewDecomposer(storage.JobStorage(), storage.FrameStorage(), arbor.NewLogger())
	ctx := context.Background()

	anim := testAnimation("tiledshot", models.TilingConfig("2x2"))
	anim.EndFrame = 2

	created, err := d.ExpandAnimation(ctx, anim, false)
	require.NoError(t, err)
	assert.Equal(t, 8, created) // 2 frames x 4 tiles

	frames, err := storage.FrameStorage().ListFrames(ctx, anim.ID)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	for _, frame := range frames {
		assert.Equal(t, models.FrameStatusPending, frame.Status)

		tiles, err := storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{FrameID: &frame.ID})
		require.NoError(t, err)
		assert.Len(t, tiles, 4)
	}

	jobs, err := storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{AnimationID: &anim.ID})
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, job := range jobs {
		names[job.Name] = true
	}
	assert.True(t, names["tiledshot_Frame_0001_Tile_0_0"])
	assert.True(t, names["tiledshot_Frame_0001_Tile_1_1"])
	assert.True(t, names["tiledshot_Frame_0002_Tile_0_1"])
}

func TestExpandTiledJobBorders(t *testing.T) {
	storage := newTestStorage(t)
	d := NewDecomposer(storage.JobStorage(), storage.FrameStorage(), arbor.NewLogger())
	ctx := context.Background()

	tiled := &models.TiledJob{
		ID:            "tj-1",
		ProjectID:     "proj-1",
		Name:          "stillframe",
		AssetID:       "asset-1",
		OutputPattern: "still_####",
		Frame:         1,
		TilesX:        2,
		TilesY:        2,
		FinalResX:     2000,
		FinalResY:     1000,
		Device:        models.DeviceAny,
		Settings:      map[string]interface{}{},
	}

	created, err := d.ExpandTiledJob(ctx, tiled, false)
	require.NoError(t, err)
	assert.Equal(t, 4, created)

	jobs, err := storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{TiledJobID: &tiled.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	byName := make(map[string]*models.Job)
	for _, job := range jobs {
		byName[job.Name] = job
	}

	// Tile (ty=0, tx=1): right half of the bottom row in render coordinates.
	tile := byName["stillframe_Tile_0_1"]
	require.NotNil(t, tile)
	assert.Equal(t, true, tile.Settings["use_border"])
	assert.Equal(t, true, tile.Settings["crop_to_border"])
	assert.Equal(t, 0.5, tile.Settings["border_min_x"])
	assert.Equal(t, 1.0, tile.Settings["border_max_x"])
	assert.Equal(t, 0.0, tile.Settings["border_min_y"])
	assert.Equal(t, 0.5, tile.Settings["border_max_y"])
	assert.Equal(t, 2000, tile.Settings["resolution_x"])
	assert.Equal(t, 1000, tile.Settings["resolution_y"])
	assert.Equal(t, "tj-1", *tile.TiledJobID)
}

func TestExpandDoesNotShareSettings(t *testing.T) {
	storage := newTestStorage(t)
	d := NewDecomposer(storage.JobStorage(), storage.FrameStorage(), arbor.NewLogger())
	ctx := context.Background()

	tiled := &models.TiledJob{
		ID:        "tj-2",
		ProjectID: "proj-1",
		Name:      "isolated",
		AssetID:   "asset-1",
		Frame:     1,
		TilesX:    2,
		TilesY:    1,
		FinalResX: 100,
		FinalResY: 100,
		Settings:  map[string]interface{}{"samples": 32},
	}
	_, err := d.ExpandTiledJob(ctx, tiled, false)
	require.NoError(t, err)

	jobs, err := storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{TiledJobID: &tiled.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Each tile gets its own borders; the parent's map is untouched.
	assert.NotEqual(t, jobs[0].Settings["border_min_x"], jobs[1].Settings["border_min_x"])
	assert.NotContains(t, tiled.Settings, "use_border")
}

func TestExpandAnimationInheritsPauseFlag(t *testing.T) {
	storage := newTestStorage(t)
	d := NewDecomposer(storage.JobStorage(), storage.FrameStorage(), arbor.NewLogger())
	ctx := context.Background()

	anim := testAnimation("pausedproj", models.TilingNone)
	_, err := d.ExpandAnimation(ctx, anim, true)
	require.NoError(t, err)

	jobs, err := storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		AnimationID:   &anim.ID,
		IncludePaused: true,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.True(t, job.ProjectPaused)
	}

	// The worker poll skips them until the project is unpaused.
	visible, err := storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		Status:         models.JobStatusQueued,
		UnassignedOnly: true,
	})
	require.NoError(t, err)
	assert.Empty(t, visible)
}
