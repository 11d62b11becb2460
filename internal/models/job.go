// -----------------------------------------------------------------------
// Job - the atomic unit of renderer work
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRendering JobStatus = "RENDERING"
	JobStatusDone      JobStatus = "DONE"
	JobStatusError     JobStatus = "ERROR"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// IsTerminal returns true for states with no outgoing transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError || s == JobStatusCanceled
}

// IsValid returns true if s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRendering, JobStatusDone, JobStatusError, JobStatusCanceled:
		return true
	}
	return false
}

// RenderDevice selects which compute device a job requires.
type RenderDevice string

const (
	DeviceCPU RenderDevice = "CPU"
	DeviceGPU RenderDevice = "GPU"
	DeviceAny RenderDevice = "ANY"
)

// IsValid returns true if d is a known device selection.
func (d RenderDevice) IsValid() bool {
	return d == DeviceCPU || d == DeviceGPU || d == DeviceAny
}

// Job is the atomic unit of work handed to a worker: one frame (or a
// contiguous frame range) rendered with a single device selection.
// At most one of AnimationID / TiledJobID / AnimationFrameID is set.
type Job struct {
	ID   uint64 `json:"id" badgerhold:"key"`
	Name string `json:"name" badgerhold:"unique"`

	ProjectID string `json:"project_id" badgerhold:"index"`
	AssetID   string `json:"asset_id"`

	OutputPattern string `json:"output_file_pattern"`
	StartFrame    int    `json:"start_frame"`
	EndFrame      int    `json:"end_frame"`

	Status         JobStatus `json:"status" badgerhold:"index"`
	AssignedWorker *uint64   `json:"assigned_worker"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RendererVersion string                 `json:"renderer_version"`
	Engine          string                 `json:"engine"`
	Device          RenderDevice           `json:"device"`
	FeatureSet      string                 `json:"feature_set,omitempty"`
	Settings        map[string]interface{} `json:"render_settings"`

	RenderTimeSeconds float64 `json:"render_time_s"`
	OutputPath        string  `json:"output_path,omitempty"`
	ThumbnailPath     string  `json:"thumbnail_path,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`

	// Parent links - exactly zero or one is set.
	AnimationID      *uint64 `json:"parent_animation,omitempty" badgerhold:"index"`
	TiledJobID       *string `json:"parent_tiled_job,omitempty" badgerhold:"index"`
	AnimationFrameID *uint64 `json:"parent_animation_frame,omitempty" badgerhold:"index"`

	// Denormalized pause flag from the owning project, maintained by the
	// pause/unpause handlers so the worker poll stays a single query.
	ProjectPaused bool `json:"-" badgerhold:"index"`
}

// CanTransition reports whether moving from the job's current status to
// next is a legal lifecycle transition.
//
//	QUEUED    -> RENDERING, CANCELED
//	RENDERING -> DONE, ERROR, CANCELED
func (j *Job) CanTransition(next JobStatus) bool {
	switch j.Status {
	case JobStatusQueued:
		return next == JobStatusRendering || next == JobStatusCanceled
	case JobStatusRendering:
		return next == JobStatusDone || next == JobStatusError || next == JobStatusCanceled
	default:
		return false
	}
}

// HasParent returns true if the job was created by decomposition.
func (j *Job) HasParent() bool {
	return j.AnimationID != nil || j.TiledJobID != nil || j.AnimationFrameID != nil
}

// SettingFloat reads a numeric value from the settings map. JSON decoding
// turns all numbers into float64.
func (j *Job) SettingFloat(key string) (float64, bool) {
	val, ok := j.Settings[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
