package aggregate

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/assemble"
	"github.com/renderbarn/renderbarn/internal/services/events"
	"github.com/renderbarn/renderbarn/internal/services/media"
	"github.com/renderbarn/renderbarn/internal/services/thumbs"
	"github.com/renderbarn/renderbarn/internal/storage/badger"
)

type aggHarness struct {
	storage interfaces.StorageManager
	events  interfaces.EventService
	media   *media.Store
}

func newAggHarness(t *testing.T) *aggHarness {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badger.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "badger"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	mediaStore, err := media.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })

	assembler := assemble.NewAssembler(mediaStore, logger)
	thumbGen := thumbs.NewGenerator(mediaStore, logger)

	agg := NewAggregator(storage, eventService, assembler, mediaStore, thumbGen, logger)
	require.NoError(t, agg.Start())

	return &aggHarness{storage: storage, events: eventService, media: mediaStore}
}

func solidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// finish marks a tile DONE with an output and publishes the transition the
// way the job status handler does.
func (h *aggHarness) finish(t *testing.T, ctx context.Context, job *models.Job, status models.JobStatus) {
	t.Helper()
	job.Status = status
	require.NoError(t, h.storage.JobStorage().UpdateJob(ctx, job))
	require.NoError(t, h.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: map[string]interface{}{"job_id": job.ID, "status": string(status)},
	}))
}

func TestTiledJobAssemblesWhenAllTilesDone(t *testing.T) {
	h := newAggHarness(t)
	ctx := context.Background()

	tiled := &models.TiledJob{
		ID:            common.NewID(),
		ProjectID:     "proj-1",
		Name:          "poster",
		AssetID:       "asset-1",
		OutputPattern: "poster_####",
		Frame:         1,
		FinalResX:     4,
		FinalResY:     4,
		TilesX:        2,
		TilesY:        2,
		Status:        models.TiledJobQueued,
		SubmittedAt:   time.Now(),
	}
	require.NoError(t, h.storage.TiledJobStorage().CreateTiledJob(ctx, tiled))

	var tiles []*models.Job
	names := []string{"poster_Tile_0_0", "poster_Tile_0_1", "poster_Tile_1_0", "poster_Tile_1_1"}
	for _, name := range names {
		job := &models.Job{
			Name:        name,
			ProjectID:   tiled.ProjectID,
			AssetID:     tiled.AssetID,
			Status:      models.JobStatusQueued,
			Device:      models.DeviceAny,
			SubmittedAt: time.Now(),
			TiledJobID:  &tiled.ID,
		}
		require.NoError(t, h.storage.JobStorage().CreateJob(ctx, job))
		tiles = append(tiles, job)
	}

	// First tile starts: the parent moves to RENDERING.
	tiles[0].Status = models.JobStatusRendering
	require.NoError(t, h.storage.JobStorage().UpdateJob(ctx, tiles[0]))
	require.NoError(t, h.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: map[string]interface{}{"job_id": tiles[0].ID},
	}))
	got, err := h.storage.TiledJobStorage().GetTiledJob(ctx, tiled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TiledJobRendering, got.Status)

	// Finish every tile with a 2x2 output.
	for i, job := range tiles {
		rel, err := h.media.SaveJobOutput(job.ProjectID, job.ID, "tile.png", bytes.NewReader(solidPNG(t, 2, 2)))
		require.NoError(t, err)
		job.OutputPath = rel
		job.RenderTimeSeconds = float64(i + 1)
		h.finish(t, ctx, job, models.JobStatusDone)
	}

	got, err = h.storage.TiledJobStorage().GetTiledJob(ctx, tiled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TiledJobDone, got.Status)
	assert.NotEmpty(t, got.OutputPath)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 10.0, got.TotalRenderTimeSeconds)

	// The assembled image is at the final resolution.
	data, err := h.media.ReadAll(got.OutputPath)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())

	// Tile outputs were reclaimed after assembly.
	for _, job := range tiles {
		_, err := h.media.ReadAll(job.OutputPath)
		assert.Error(t, err)
	}
}

func TestTiledJobFailsWhenTileFails(t *testing.T) {
	h := newAggHarness(t)
	ctx := context.Background()

	tiled := &models.TiledJob{
		ID:          common.NewID(),
		ProjectID:   "proj-1",
		Name:        "broken",
		FinalResX:   4,
		FinalResY:   2,
		TilesX:      2,
		TilesY:      1,
		Status:      models.TiledJobQueued,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, h.storage.TiledJobStorage().CreateTiledJob(ctx, tiled))

	ok := &models.Job{Name: "broken_Tile_0_0", ProjectID: "proj-1", Status: models.JobStatusQueued, SubmittedAt: time.Now(), TiledJobID: &tiled.ID}
	bad := &models.Job{Name: "broken_Tile_0_1", ProjectID: "proj-1", Status: models.JobStatusQueued, SubmittedAt: time.Now(), TiledJobID: &tiled.ID}
	require.NoError(t, h.storage.JobStorage().CreateJob(ctx, ok))
	require.NoError(t, h.storage.JobStorage().CreateJob(ctx, bad))

	rel, err := h.media.SaveJobOutput("proj-1", ok.ID, "tile.png", bytes.NewReader(solidPNG(t, 2, 2)))
	require.NoError(t, err)
	ok.OutputPath = rel
	h.finish(t, ctx, ok, models.JobStatusDone)

	// Parent is untouched while a tile is still pending.
	got, err := h.storage.TiledJobStorage().GetTiledJob(ctx, tiled.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.TiledJobError, got.Status)

	bad.ErrorMessage = "renderer crashed"
	h.finish(t, ctx, bad, models.JobStatusError)

	got, err = h.storage.TiledJobStorage().GetTiledJob(ctx, tiled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TiledJobError, got.Status)
	assert.Empty(t, got.OutputPath, "no partial assembly")
	assert.NotNil(t, got.CompletedAt)
}

func TestAnimationRollupErrorDominates(t *testing.T) {
	h := newAggHarness(t)
	ctx := context.Background()

	anim := &models.Animation{
		ProjectID:   "proj-1",
		Name:        "mixed",
		StartFrame:  1,
		EndFrame:    3,
		FrameStep:   1,
		Tiling:      models.TilingNone,
		Status:      models.JobStatusQueued,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, h.storage.AnimationStorage().CreateAnimation(ctx, anim))

	var children []*models.Job
	for i := 1; i <= 3; i++ {
		job := &models.Job{
			Name:        anim.Name + "_Frame_000" + string(rune('0'+i)),
			ProjectID:   "proj-1",
			StartFrame:  i,
			EndFrame:    i,
			Status:      models.JobStatusQueued,
			SubmittedAt: time.Now(),
			AnimationID: &anim.ID,
		}
		require.NoError(t, h.storage.JobStorage().CreateJob(ctx, job))
		children = append(children, job)
	}

	h.finish(t, ctx, children[0], models.JobStatusDone)
	h.finish(t, ctx, children[1], models.JobStatusCanceled)
	h.finish(t, ctx, children[2], models.JobStatusError)

	got, err := h.storage.AnimationStorage().GetAnimation(ctx, anim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestAnimationRollupCanceledBeatsDone(t *testing.T) {
	h := newAggHarness(t)
	ctx := context.Background()

	anim := &models.Animation{
		ProjectID:   "proj-1",
		Name:        "partial",
		StartFrame:  1,
		EndFrame:    2,
		FrameStep:   1,
		Tiling:      models.TilingNone,
		Status:      models.JobStatusQueued,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, h.storage.AnimationStorage().CreateAnimation(ctx, anim))

	done := &models.Job{Name: "partial_Frame_0001", ProjectID: "proj-1", Status: models.JobStatusQueued, SubmittedAt: time.Now(), AnimationID: &anim.ID}
	canceled := &models.Job{Name: "partial_Frame_0002", ProjectID: "proj-1", Status: models.JobStatusQueued, SubmittedAt: time.Now(), AnimationID: &anim.ID}
	require.NoError(t, h.storage.JobStorage().CreateJob(ctx, done))
	require.NoError(t, h.storage.JobStorage().CreateJob(ctx, canceled))

	done.RenderTimeSeconds = 7.5
	h.finish(t, ctx, done, models.JobStatusDone)
	h.finish(t, ctx, canceled, models.JobStatusCanceled)

	got, err := h.storage.AnimationStorage().GetAnimation(ctx, anim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, got.Status)
	assert.Equal(t, 7.5, got.TotalRenderTimeSeconds)
}

func TestAggregatorIgnoresItsOwnEvents(t *testing.T) {
	h := newAggHarness(t)
	ctx := context.Background()

	// An aggregator-caused event must not trigger another rollup pass; a
	// payload without job_id would otherwise error.
	err := h.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Cause:   interfaces.CauseAggregator,
		Payload: map[string]interface{}{},
	})
	assert.NoError(t, err)
}
