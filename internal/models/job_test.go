package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRendering.IsTerminal())
	assert.True(t, JobStatusDone.IsTerminal())
	assert.True(t, JobStatusError.IsTerminal())
	assert.True(t, JobStatusCanceled.IsTerminal())
}

func TestJobCanTransition(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusQueued, JobStatusRendering, true},
		{JobStatusQueued, JobStatusCanceled, true},
		{JobStatusQueued, JobStatusDone, false},
		{JobStatusQueued, JobStatusError, false},
		{JobStatusRendering, JobStatusDone, true},
		{JobStatusRendering, JobStatusError, true},
		{JobStatusRendering, JobStatusCanceled, true},
		{JobStatusRendering, JobStatusQueued, false},
		{JobStatusDone, JobStatusQueued, false},
		{JobStatusDone, JobStatusRendering, false},
		{JobStatusError, JobStatusRendering, false},
		{JobStatusCanceled, JobStatusRendering, false},
	}

	for _, tt := range tests {
		job := &Job{Status: tt.from}
		assert.Equal(t, tt.allowed, job.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestRenderDeviceIsValid(t *testing.T) {
	assert.True(t, DeviceCPU.IsValid())
	assert.True(t, DeviceGPU.IsValid())
	assert.True(t, DeviceAny.IsValid())
	assert.False(t, RenderDevice("TPU").IsValid())
	assert.False(t, RenderDevice("").IsValid())
}

func TestJobHasParent(t *testing.T) {
	animID := uint64(3)
	tiledID := "abc"

	assert.False(t, (&Job{}).HasParent())
	assert.True(t, (&Job{AnimationID: &animID}).HasParent())
	assert.True(t, (&Job{TiledJobID: &tiledID}).HasParent())
	assert.True(t, (&Job{AnimationFrameID: &animID}).HasParent())
}

func TestJobSettingFloat(t *testing.T) {
	job := &Job{Settings: map[string]interface{}{
		"border_min_x": 0.25,
		"samples":      128,
		"engine":       "CYCLES",
	}}

	v, ok := job.SettingFloat("border_min_x")
	assert.True(t, ok)
	assert.Equal(t, 0.25, v)

	v, ok = job.SettingFloat("samples")
	assert.True(t, ok)
	assert.Equal(t, 128.0, v)

	_, ok = job.SettingFloat("engine")
	assert.False(t, ok)

	_, ok = job.SettingFloat("missing")
	assert.False(t, ok)
}
