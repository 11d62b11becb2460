// -----------------------------------------------------------------------
// Decomposer - expands animations and tiled jobs into atomic child jobs
// inside the parent's create operation, so children are queryable the
// moment the create returns.
// -----------------------------------------------------------------------

package decompose

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// Decomposer expands parent entities into their atomic child jobs.
type Decomposer struct {
	jobs   interfaces.JobStorage
	frames interfaces.FrameStorage
	logger arbor.ILogger
}

// NewDecomposer creates a new Decomposer.
func NewDecomposer(jobs interfaces.JobStorage, frames interfaces.FrameStorage, logger arbor.ILogger) *Decomposer {
	return &Decomposer{jobs: jobs, frames: frames, logger: logger}
}

// ExpandAnimation creates one job per frame, or - when tiling is enabled -
// one AnimationFrame per frame with one job per tile. Returns the number of
// child jobs created.
func (d *Decomposer) ExpandAnimation(ctx context.Context, anim *models.Animation, projectPaused bool) (int, error) {
	tilesX, tilesY, err := anim.Tiling.Grid()
	if err != nil {
		return 0, err
	}

	created := 0
	for _, frame := range anim.Frames() {
		if tilesX*tilesY == 1 {
			job := d.childJob(anim, projectPaused)
			job.Name = fmt.Sprintf("%s_Frame_%04d", anim.Name, frame)
			job.StartFrame = frame
			job.EndFrame = frame
			job.AnimationID = &anim.ID
			if err := d.jobs.CreateJob(ctx, job); err != nil {
				return created, fmt.Errorf("failed to create frame job %s: %w", job.Name, err)
			}
			created++
			continue
		}

		animFrame := &models.AnimationFrame{
			AnimationID: anim.ID,
			FrameNumber: frame,
			Status:      models.FrameStatusPending,
			CreatedAt:   time.Now(),
		}
		if err := d.frames.CreateFrame(ctx, animFrame); err != nil {
			return created, fmt.Errorf("failed to create animation frame %d: %w", frame, err)
		}

		for ty := 0; ty < tilesY; ty++ {
			for tx := 0; tx < tilesX; tx++ {
				job := d.childJob(anim, projectPaused)
				job.Name = fmt.Sprintf("%s_Frame_%04d_Tile_%d_%d", anim.Name, frame, ty, tx)
				job.StartFrame = frame
				job.EndFrame = frame
				job.AnimationID = &anim.ID
				job.AnimationFrameID = &animFrame.ID
				injectTileBorders(job.Settings, tx, ty, tilesX, tilesY, anim.FinalResX, anim.FinalResY)
				if err := d.jobs.CreateJob(ctx, job); err != nil {
					return created, fmt.Errorf("failed to create tile job %s: %w", job.Name, err)
				}
				created++
			}
		}
	}

	d.logger.Info().
		Str("animation", anim.Name).
		Int("frames", anim.ExpectedFrameCount()).
		Int("child_jobs", created).
		Msg("Animation expanded")

	return created, nil
}

// ExpandTiledJob creates one job per tile of a single-image tiled render.
func (d *Decomposer) ExpandTiledJob(ctx context.Context, tiled *models.TiledJob, projectPaused bool) (int, error) {
	if tiled.TilesX < 1 || tiled.TilesY < 1 {
		return 0, fmt.Errorf("invalid tile grid %dx%d", tiled.TilesX, tiled.TilesY)
	}

	created := 0
	for ty := 0; ty < tiled.TilesY; ty++ {
		for tx := 0; tx < tiled.TilesX; tx++ {
			job := &models.Job{
				Name:            fmt.Sprintf("%s_Tile_%d_%d", tiled.Name, ty, tx),
				ProjectID:       tiled.ProjectID,
				AssetID:         tiled.AssetID,
				OutputPattern:   tiled.OutputPattern,
				StartFrame:      tiled.Frame,
				EndFrame:        tiled.Frame,
				Status:          models.JobStatusQueued,
				SubmittedAt:     time.Now(),
				RendererVersion: tiled.RendererVersion,
				Engine:          tiled.Engine,
				Device:          tiled.Device,
				FeatureSet:      tiled.FeatureSet,
				Settings:        copySettings(tiled.Settings),
				TiledJobID:      &tiled.ID,
				ProjectPaused:   projectPaused,
			}
			injectTileBorders(job.Settings, tx, ty, tiled.TilesX, tiled.TilesY, tiled.FinalResX, tiled.FinalResY)
			if err := d.jobs.CreateJob(ctx, job); err != nil {
				return created, fmt.Errorf("failed to create tile job %s: %w", job.Name, err)
			}
			created++
		}
	}

	d.logger.Info().
		Str("tiled_job", tiled.Name).
		Int("child_jobs", created).
		Msg("Tiled job expanded")

	return created, nil
}

func (d *Decomposer) childJob(anim *models.Animation, projectPaused bool) *models.Job {
	return &models.Job{
		ProjectID:       anim.ProjectID,
		AssetID:         anim.AssetID,
		OutputPattern:   anim.OutputPattern,
		Status:          models.JobStatusQueued,
		SubmittedAt:     time.Now(),
		RendererVersion: anim.RendererVersion,
		Engine:          anim.Engine,
		Device:          anim.Device,
		FeatureSet:      anim.FeatureSet,
		Settings:        copySettings(anim.Settings),
		ProjectPaused:   projectPaused,
	}
}

// injectTileBorders writes the per-tile render region into the settings map.
// Border fractions address the tile in render coordinates (row 0 at the
// bottom); crop_to_border keeps each output at tile size.
func injectTileBorders(settings map[string]interface{}, tx, ty, tilesX, tilesY, finalX, finalY int) {
	settings["use_border"] = true
	settings["crop_to_border"] = true
	settings["border_min_x"] = float64(tx) / float64(tilesX)
	settings["border_max_x"] = float64(tx+1) / float64(tilesX)
	settings["border_min_y"] = float64(ty) / float64(tilesY)
	settings["border_max_y"] = float64(ty+1) / float64(tilesY)
	settings["resolution_x"] = finalX
	settings["resolution_y"] = finalY
}

func copySettings(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src)+8)
	for k, v := range src {
		out[k] = v
	}
	return out
}
