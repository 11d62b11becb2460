// -----------------------------------------------------------------------
// Animation - multi-frame parent, optionally tiled per frame
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TilingConfig is "none" or "NxN" (e.g. "2x2", "3x3").
type TilingConfig string

const TilingNone TilingConfig = "none"

// Grid returns the tile counts per axis. "none" and "" mean a single tile.
func (t TilingConfig) Grid() (tilesX, tilesY int, err error) {
	s := strings.ToLower(strings.TrimSpace(string(t)))
	if s == "" || s == string(TilingNone) {
		return 1, 1, nil
	}
	parts := strings.Split(s, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid tiling config %q", t)
	}
	x, errX := strconv.Atoi(parts[0])
	y, errY := strconv.Atoi(parts[1])
	if errX != nil || errY != nil || x < 1 || y < 1 {
		return 0, 0, fmt.Errorf("invalid tiling config %q", t)
	}
	return x, y, nil
}

// IsTiled returns true when frames decompose into more than one tile.
func (t TilingConfig) IsTiled() bool {
	x, y, err := t.Grid()
	return err == nil && x*y > 1
}

// Animation is a parent entity expanded into one job per frame, or into
// AnimationFrame containers with one job per tile when tiling is enabled.
type Animation struct {
	ID        uint64 `json:"id" badgerhold:"key"`
	ProjectID string `json:"project" badgerhold:"index"`
	Name      string `json:"name" badgerhold:"unique"`
	AssetID   string `json:"asset_id"`

	OutputPattern string       `json:"output_file_pattern"`
	StartFrame    int          `json:"start_frame"`
	EndFrame      int          `json:"end_frame"`
	FrameStep     int          `json:"frame_step"`
	Tiling        TilingConfig `json:"tiling_config"`

	FinalResX int `json:"final_resolution_x,omitempty"`
	FinalResY int `json:"final_resolution_y,omitempty"`

	Status                 JobStatus `json:"status"`
	TotalRenderTimeSeconds float64   `json:"total_render_time_s"`
	ThumbnailPath          string    `json:"thumbnail_path,omitempty"`

	RendererVersion string                 `json:"renderer_version"`
	Engine          string                 `json:"engine"`
	Device          RenderDevice           `json:"device"`
	FeatureSet      string                 `json:"feature_set,omitempty"`
	Settings        map[string]interface{} `json:"render_settings"`

	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Frames returns the rendered frame numbers {start, start+step, ..., <=end}.
func (a *Animation) Frames() []int {
	step := a.FrameStep
	if step < 1 {
		step = 1
	}
	var frames []int
	for f := a.StartFrame; f <= a.EndFrame; f += step {
		frames = append(frames, f)
	}
	return frames
}

// ExpectedFrameCount is floor((end-start)/step)+1.
func (a *Animation) ExpectedFrameCount() int {
	step := a.FrameStep
	if step < 1 {
		step = 1
	}
	if a.EndFrame < a.StartFrame {
		return 0
	}
	return (a.EndFrame-a.StartFrame)/step + 1
}

// FrameStatus is the lifecycle of a tiled animation frame container.
type FrameStatus string

const (
	FrameStatusPending    FrameStatus = "PENDING"
	FrameStatusRendering  FrameStatus = "RENDERING"
	FrameStatusAssembling FrameStatus = "ASSEMBLING"
	FrameStatusDone       FrameStatus = "DONE"
	FrameStatusError      FrameStatus = "ERROR"
)

// AnimationFrame exists only for tiled animations: it owns the tile jobs of
// one frame and carries the assembled image.
type AnimationFrame struct {
	ID          uint64      `json:"id" badgerhold:"key"`
	AnimationID uint64      `json:"animation" badgerhold:"index"`
	FrameNumber int         `json:"frame_number"`
	Status      FrameStatus `json:"status"`

	OutputPath        string  `json:"output_path,omitempty"`
	ThumbnailPath     string  `json:"thumbnail_path,omitempty"`
	RenderTimeSeconds float64 `json:"render_time_s"`

	CreatedAt time.Time `json:"created_at"`
}
