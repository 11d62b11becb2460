// -----------------------------------------------------------------------
// Aggregator - event-driven parent rollups
//
// Subscribes to job status events and derives the parent entity state:
// animation frame containers, tiled jobs and animations. Rollups run
// after the child write is persisted, one transition at a time, so the
// parent state is always derivable from its children.
// -----------------------------------------------------------------------

package aggregate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/assemble"
	"github.com/renderbarn/renderbarn/internal/services/media"
	"github.com/renderbarn/renderbarn/internal/services/thumbs"
)

// Aggregator rolls child job transitions up into parent entities.
type Aggregator struct {
	storage   interfaces.StorageManager
	events    interfaces.EventService
	assembler *assemble.Assembler
	media     *media.Store
	thumbs    *thumbs.Generator
	logger    arbor.ILogger

	// Serializes rollups so two workers finishing tiles of the same
	// parent cannot both observe a half-updated parent.
	mu sync.Mutex
}

// NewAggregator creates an aggregator. Call Start to subscribe it.
func NewAggregator(storage interfaces.StorageManager, events interfaces.EventService, assembler *assemble.Assembler, mediaStore *media.Store, thumbGen *thumbs.Generator, logger arbor.ILogger) *Aggregator {
	return &Aggregator{
		storage:   storage,
		events:    events,
		assembler: assembler,
		media:     mediaStore,
		thumbs:    thumbGen,
		logger:    logger,
	}
}

// Start subscribes the aggregator to job status events.
func (a *Aggregator) Start() error {
	return a.events.Subscribe(interfaces.EventJobStatusChanged, a.onJobStatusChanged)
}

func (a *Aggregator) onJobStatusChanged(ctx context.Context, event interfaces.Event) error {
	if event.Cause == interfaces.CauseAggregator {
		return nil
	}

	jobID, ok := payloadUint64(event.Payload, "job_id")
	if !ok {
		return fmt.Errorf("job status event without job_id")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	job, err := a.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d for rollup: %w", jobID, err)
	}
	if !job.HasParent() {
		return nil
	}

	switch {
	case job.AnimationFrameID != nil:
		return a.rollupFrame(ctx, job, *job.AnimationFrameID)
	case job.TiledJobID != nil:
		return a.rollupTiledJob(ctx, *job.TiledJobID)
	case job.AnimationID != nil:
		return a.rollupAnimation(ctx, job, *job.AnimationID)
	}
	return nil
}

// -----------------------------------------------------------------------
// Animation frame containers (tiled animations)
// -----------------------------------------------------------------------

func (a *Aggregator) rollupFrame(ctx context.Context, child *models.Job, frameID uint64) error {
	frame, err := a.storage.FrameStorage().GetFrame(ctx, frameID)
	if err != nil {
		return fmt.Errorf("failed to load animation frame %d: %w", frameID, err)
	}
	anim, err := a.storage.AnimationStorage().GetAnimation(ctx, frame.AnimationID)
	if err != nil {
		return fmt.Errorf("failed to load animation %d: %w", frame.AnimationID, err)
	}

	if child.Status == models.JobStatusRendering {
		if frame.Status == models.FrameStatusPending {
			frame.Status = models.FrameStatusRendering
			if err := a.storage.FrameStorage().UpdateFrame(ctx, frame); err != nil {
				return err
			}
			a.publishFrame(ctx, frame)
		}
		if anim.Status == models.JobStatusQueued {
			anim.Status = models.JobStatusRendering
			if err := a.storage.AnimationStorage().UpdateAnimation(ctx, anim); err != nil {
				return err
			}
			a.publishAnimation(ctx, anim)
		}
		return nil
	}
	if !child.Status.IsTerminal() || frame.Status == models.FrameStatusDone || frame.Status == models.FrameStatusError {
		return nil
	}

	tiles, err := a.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{FrameID: &frameID, IncludePaused: true})
	if err != nil {
		return err
	}
	if !allTerminal(tiles) {
		return nil
	}

	if anyFailed(tiles) {
		frame.Status = models.FrameStatusError
		if err := a.storage.FrameStorage().UpdateFrame(ctx, frame); err != nil {
			return err
		}
		a.publishFrame(ctx, frame)
		return a.rollupTiledAnimation(ctx, anim)
	}

	// All tiles rendered; assemble the frame.
	frame.Status = models.FrameStatusAssembling
	if err := a.storage.FrameStorage().UpdateFrame(ctx, frame); err != nil {
		return err
	}
	a.publishFrame(ctx, frame)

	tilesX, tilesY, err := anim.Tiling.Grid()
	if err != nil {
		return err
	}
	stitched, err := a.assembler.Stitch(tiles, anim.FinalResX, anim.FinalResY, tilesX, tilesY)
	if err != nil {
		a.logger.Error().Err(err).Int64("frame_id", int64(frame.ID)).Msg("Frame assembly failed")
		frame.Status = models.FrameStatusError
		if uerr := a.storage.FrameStorage().UpdateFrame(ctx, frame); uerr != nil {
			return uerr
		}
		a.publishFrame(ctx, frame)
		return a.rollupTiledAnimation(ctx, anim)
	}

	filename := fmt.Sprintf("%s%04d.png", outputBase(anim.OutputPattern), frame.FrameNumber)
	rel, err := a.media.SaveAnimationOutput(anim.ProjectID, anim.ID, filename, stitched)
	if err != nil {
		return err
	}

	frame.OutputPath = rel
	frame.RenderTimeSeconds = assemble.SumRenderTime(tiles)
	if thumbRel, terr := a.thumbs.Generate(rel, anim.ProjectID, "animationframe", fmt.Sprintf("%d", frame.ID)); terr == nil {
		frame.ThumbnailPath = thumbRel
	} else {
		a.logger.Warn().Err(terr).Int64("frame_id", int64(frame.ID)).Msg("Frame thumbnail generation failed")
	}
	frame.Status = models.FrameStatusDone
	if err := a.storage.FrameStorage().UpdateFrame(ctx, frame); err != nil {
		return err
	}
	a.publishFrame(ctx, frame)

	a.assembler.CleanupTileOutputs(tiles)

	return a.rollupTiledAnimation(ctx, anim)
}

// rollupTiledAnimation finalizes a tiled animation once every frame
// container reached DONE or ERROR.
func (a *Aggregator) rollupTiledAnimation(ctx context.Context, anim *models.Animation) error {
	if anim.Status.IsTerminal() {
		return nil
	}

	frames, err := a.storage.FrameStorage().ListFrames(ctx, anim.ID)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}

	total := 0.0
	failed := false
	var latestDone *models.AnimationFrame
	for _, f := range frames {
		switch f.Status {
		case models.FrameStatusDone:
			total += f.RenderTimeSeconds
			latestDone = f
		case models.FrameStatusError:
			failed = true
		default:
			return nil // still in flight
		}
	}

	if failed {
		anim.Status = models.JobStatusError
	} else {
		anim.Status = models.JobStatusDone
	}
	anim.TotalRenderTimeSeconds = total
	if latestDone != nil && latestDone.OutputPath != "" {
		if thumbRel, terr := a.thumbs.Generate(latestDone.OutputPath, anim.ProjectID, "animation", fmt.Sprintf("%d", anim.ID)); terr == nil {
			anim.ThumbnailPath = thumbRel
		}
	}
	stampAnimation(anim)

	if err := a.storage.AnimationStorage().UpdateAnimation(ctx, anim); err != nil {
		return err
	}
	a.publishAnimation(ctx, anim)

	a.logger.Info().
		Int64("animation_id", int64(anim.ID)).
		Str("status", string(anim.Status)).
		Msg("Tiled animation rolled up")
	return nil
}

// -----------------------------------------------------------------------
// Animations (non-tiled)
// -----------------------------------------------------------------------

func (a *Aggregator) rollupAnimation(ctx context.Context, child *models.Job, animationID uint64) error {
	anim, err := a.storage.AnimationStorage().GetAnimation(ctx, animationID)
	if err != nil {
		return fmt.Errorf("failed to load animation %d: %w", animationID, err)
	}

	if child.Status == models.JobStatusRendering {
		if anim.Status == models.JobStatusQueued {
			anim.Status = models.JobStatusRendering
			if err := a.storage.AnimationStorage().UpdateAnimation(ctx, anim); err != nil {
				return err
			}
			a.publishAnimation(ctx, anim)
		}
		return nil
	}

	// Refresh the preview from the newest finished frame while the rest
	// of the animation is still rendering.
	if child.Status == models.JobStatusDone && child.OutputPath != "" {
		if thumbRel, terr := a.thumbs.Generate(child.OutputPath, anim.ProjectID, "animation", fmt.Sprintf("%d", anim.ID)); terr == nil {
			anim.ThumbnailPath = thumbRel
			if err := a.storage.AnimationStorage().UpdateAnimation(ctx, anim); err != nil {
				return err
			}
		} else {
			a.logger.Warn().Err(terr).Int64("animation_id", int64(anim.ID)).Msg("Animation thumbnail refresh failed")
		}
	}

	if anim.Status.IsTerminal() || !child.Status.IsTerminal() {
		return nil
	}

	children, err := a.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{AnimationID: &animationID, IncludePaused: true})
	if err != nil {
		return err
	}
	if !allTerminal(children) {
		return nil
	}

	anim.Status = rollupStatus(children)
	anim.TotalRenderTimeSeconds = assemble.SumRenderTime(children)
	stampAnimation(anim)

	if err := a.storage.AnimationStorage().UpdateAnimation(ctx, anim); err != nil {
		return err
	}
	a.publishAnimation(ctx, anim)

	a.logger.Info().
		Int64("animation_id", int64(anim.ID)).
		Str("status", string(anim.Status)).
		Int("children", len(children)).
		Msg("Animation rolled up")
	return nil
}

// -----------------------------------------------------------------------
// Tiled jobs (single image)
// -----------------------------------------------------------------------

func (a *Aggregator) rollupTiledJob(ctx context.Context, tiledJobID string) error {
	tiled, err := a.storage.TiledJobStorage().GetTiledJob(ctx, tiledJobID)
	if err != nil {
		return fmt.Errorf("failed to load tiled job %s: %w", tiledJobID, err)
	}
	if tiled.Status == models.TiledJobDone || tiled.Status == models.TiledJobError {
		return nil
	}

	tiles, err := a.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{TiledJobID: &tiledJobID, IncludePaused: true})
	if err != nil {
		return err
	}

	if tiled.Status == models.TiledJobQueued && anyRendering(tiles) {
		tiled.Status = models.TiledJobRendering
		if err := a.storage.TiledJobStorage().UpdateTiledJob(ctx, tiled); err != nil {
			return err
		}
		a.publishTiledJob(ctx, tiled)
	}

	if !allTerminal(tiles) {
		return nil
	}

	if anyFailed(tiles) {
		tiled.Status = models.TiledJobError
		tiled.TotalRenderTimeSeconds = assemble.SumRenderTime(tiles)
		stampTiledJob(tiled)
		if err := a.storage.TiledJobStorage().UpdateTiledJob(ctx, tiled); err != nil {
			return err
		}
		a.publishTiledJob(ctx, tiled)
		return nil
	}

	tiled.Status = models.TiledJobAssembling
	if err := a.storage.TiledJobStorage().UpdateTiledJob(ctx, tiled); err != nil {
		return err
	}
	a.publishTiledJob(ctx, tiled)

	stitched, err := a.assembler.Stitch(tiles, tiled.FinalResX, tiled.FinalResY, tiled.TilesX, tiled.TilesY)
	if err != nil {
		a.logger.Error().Err(err).Str("tiled_job_id", tiled.ID).Msg("Tiled job assembly failed")
		tiled.Status = models.TiledJobError
		if uerr := a.storage.TiledJobStorage().UpdateTiledJob(ctx, tiled); uerr != nil {
			return uerr
		}
		a.publishTiledJob(ctx, tiled)
		return nil
	}

	filename := fmt.Sprintf("%s%04d.png", outputBase(tiled.OutputPattern), tiled.Frame)
	rel, err := a.media.SaveTiledJobOutput(tiled.ProjectID, tiled.ID, filename, stitched)
	if err != nil {
		return err
	}

	tiled.OutputPath = rel
	tiled.TotalRenderTimeSeconds = assemble.SumRenderTime(tiles)
	if thumbRel, terr := a.thumbs.Generate(rel, tiled.ProjectID, "tiledjob", common.ShortID(tiled.ID)); terr == nil {
		tiled.ThumbnailPath = thumbRel
	} else {
		a.logger.Warn().Err(terr).Str("tiled_job_id", tiled.ID).Msg("Tiled job thumbnail generation failed")
	}
	tiled.Status = models.TiledJobDone
	stampTiledJob(tiled)

	if err := a.storage.TiledJobStorage().UpdateTiledJob(ctx, tiled); err != nil {
		return err
	}
	a.publishTiledJob(ctx, tiled)

	a.assembler.CleanupTileOutputs(tiles)

	a.logger.Info().
		Str("tiled_job_id", tiled.ID).
		Str("output", rel).
		Msg("Tiled job assembled")
	return nil
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func allTerminal(jobs []*models.Job) bool {
	if len(jobs) == 0 {
		return false
	}
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func anyFailed(jobs []*models.Job) bool {
	for _, j := range jobs {
		if j.Status == models.JobStatusError || j.Status == models.JobStatusCanceled {
			return true
		}
	}
	return false
}

func anyRendering(jobs []*models.Job) bool {
	for _, j := range jobs {
		if j.Status == models.JobStatusRendering {
			return true
		}
	}
	return false
}

// rollupStatus derives the terminal parent status: ERROR dominates,
// then CANCELED, then DONE.
func rollupStatus(jobs []*models.Job) models.JobStatus {
	status := models.JobStatusDone
	for _, j := range jobs {
		switch j.Status {
		case models.JobStatusError:
			return models.JobStatusError
		case models.JobStatusCanceled:
			status = models.JobStatusCanceled
		}
	}
	return status
}

func stampAnimation(anim *models.Animation) {
	if anim.CompletedAt == nil {
		now := time.Now()
		anim.CompletedAt = &now
	}
}

func stampTiledJob(tiled *models.TiledJob) {
	if tiled.CompletedAt == nil {
		now := time.Now()
		tiled.CompletedAt = &now
	}
}

// outputBase reduces an output pattern to a filename prefix, dropping
// directory components and Blender's # frame placeholders.
func outputBase(pattern string) string {
	base := filepath.Base(filepath.ToSlash(pattern))
	base = strings.TrimRight(base, "#")
	if base == "" || base == "." || base == "/" {
		base = "frame_"
	}
	return base
}

func payloadUint64(payload map[string]interface{}, key string) (uint64, bool) {
	val, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case uint64:
		return v, true
	case int:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case float64:
		return uint64(v), true
	}
	return 0, false
}

func (a *Aggregator) publishFrame(ctx context.Context, frame *models.AnimationFrame) {
	_ = a.events.Publish(ctx, interfaces.Event{
		Type:  interfaces.EventFrameStatusChanged,
		Cause: interfaces.CauseAggregator,
		Payload: map[string]interface{}{
			"frame_id":     frame.ID,
			"animation_id": frame.AnimationID,
			"status":       string(frame.Status),
		},
	})
}

func (a *Aggregator) publishAnimation(ctx context.Context, anim *models.Animation) {
	_ = a.events.Publish(ctx, interfaces.Event{
		Type:  interfaces.EventAnimationStatusChanged,
		Cause: interfaces.CauseAggregator,
		Payload: map[string]interface{}{
			"animation_id": anim.ID,
			"status":       string(anim.Status),
		},
	})
}

func (a *Aggregator) publishTiledJob(ctx context.Context, tiled *models.TiledJob) {
	_ = a.events.Publish(ctx, interfaces.Event{
		Type:  interfaces.EventTiledJobStatusChanged,
		Cause: interfaces.CauseAggregator,
		Payload: map[string]interface{}{
			"tiled_job_id": tiled.ID,
			"status":       string(tiled.Status),
		},
	})
}
