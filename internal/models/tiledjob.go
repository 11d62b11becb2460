package models

import "time"

// TiledJobStatus is the lifecycle of a single-image tiled render.
type TiledJobStatus string

const (
	TiledJobQueued     TiledJobStatus = "QUEUED"
	TiledJobRendering  TiledJobStatus = "RENDERING"
	TiledJobAssembling TiledJobStatus = "ASSEMBLING"
	TiledJobDone       TiledJobStatus = "DONE"
	TiledJobError      TiledJobStatus = "ERROR"
)

// TiledJob is a single high-resolution image decomposed into a grid of tile
// jobs and stitched back together on completion.
type TiledJob struct {
	ID        string `json:"id" badgerhold:"key"`
	ProjectID string `json:"project" badgerhold:"index"`
	Name      string `json:"name" badgerhold:"unique"`
	AssetID   string `json:"asset_id"`

	OutputPattern string `json:"output_file_pattern"`
	Frame         int    `json:"frame"`

	FinalResX int `json:"final_resolution_x"`
	FinalResY int `json:"final_resolution_y"`
	TilesX    int `json:"tile_count_x"`
	TilesY    int `json:"tile_count_y"`

	Status                 TiledJobStatus `json:"status"`
	OutputPath             string         `json:"output_path,omitempty"`
	ThumbnailPath          string         `json:"thumbnail_path,omitempty"`
	TotalRenderTimeSeconds float64        `json:"total_render_time_s"`

	RendererVersion string                 `json:"renderer_version"`
	Engine          string                 `json:"engine"`
	Device          RenderDevice           `json:"device"`
	FeatureSet      string                 `json:"feature_set,omitempty"`
	Settings        map[string]interface{} `json:"render_settings"`

	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TileCount returns the number of tile jobs this image expands into.
func (t *TiledJob) TileCount() int {
	return t.TilesX * t.TilesY
}
