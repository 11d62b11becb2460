package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/renderbarn/renderbarn/internal/models"
)

func TestPlanDeviceCPUJob(t *testing.T) {
	job := &models.Job{Device: models.DeviceCPU, Engine: "CYCLES"}
	plan := PlanDevice(job, gpuCaps(2), -1)
	assert.False(t, plan.UseGPU)
	assert.False(t, plan.CPUFallback, "CPU was asked for, not fallen back to")
	assert.Equal(t, "CYCLES", plan.Engine)
}

func TestPlanDeviceNoGPUHost(t *testing.T) {
	job := &models.Job{Device: models.DeviceGPU}
	plan := PlanDevice(job, gpuCaps(0), -1)
	assert.False(t, plan.UseGPU)
	assert.True(t, plan.CPUFallback)
}

func TestPlanDevicePreferredBackend(t *testing.T) {
	job := &models.Job{Device: models.DeviceGPU}
	plan := PlanDevice(job, gpuCaps(2), -1)
	assert.True(t, plan.UseGPU)
	assert.Equal(t, models.BackendOptiX, plan.Backend)
	assert.Equal(t, -1, plan.DeviceIdx)
}

func TestPlanDevicePinned(t *testing.T) {
	caps := &models.WorkerCapabilities{
		GPUDevices: []models.GPUDevice{
			{Index: 0, Name: "RTX 4090", Type: models.BackendOptiX},
			{Index: 1, Name: "GTX 1080", Type: models.BackendCUDA},
		},
		GPUBackends: []models.GPUBackend{models.BackendOptiX, models.BackendCUDA},
	}
	job := &models.Job{Device: models.DeviceGPU}

	plan := PlanDevice(job, caps, 1)
	assert.True(t, plan.UseGPU)
	assert.Equal(t, models.BackendCUDA, plan.Backend)
	assert.Equal(t, 1, plan.DeviceIdx)

	// Pinned to a device the host doesn't have.
	plan = PlanDevice(job, caps, 5)
	assert.False(t, plan.UseGPU)
	assert.True(t, plan.CPUFallback)
}

func TestBuildPreambleCPU(t *testing.T) {
	job := &models.Job{Engine: "CYCLES"}
	script := BuildPreamble(job, PreamblePlan{Engine: "CYCLES"})

	assert.Contains(t, script, "import bpy")
	assert.Contains(t, script, `scene.render.engine = "CYCLES"`)
	assert.Contains(t, script, `scene.cycles.device = "CPU"`)
	assert.NotContains(t, script, "compute_device_type")
	assert.NotContains(t, script, "[CPU Fallback]", "a deliberate CPU render is not a fallback")
}

// A device=ANY job landing on the CPU slot renders on CPU and must say so
// in its output, where the invoker picks the marker up.
func TestBuildPreambleCPUFallbackMarker(t *testing.T) {
	job := &models.Job{Engine: "CYCLES", Device: models.DeviceAny}
	script := BuildPreamble(job, PreamblePlan{Engine: "CYCLES", CPUFallback: true})

	assert.Contains(t, script, `print("[CPU Fallback] rendering on CPU")`)
	assert.Contains(t, script, `scene.cycles.device = "CPU"`)
	assert.NotContains(t, script, "compute_device_type")
}

func TestBuildPreambleGPU(t *testing.T) {
	job := &models.Job{Engine: "CYCLES"}
	plan := PreamblePlan{Engine: "CYCLES", UseGPU: true, Backend: models.BackendOptiX, DeviceIdx: 1}
	script := BuildPreamble(job, plan)

	assert.Contains(t, script, `prefs.compute_device_type = "OPTIX"`)
	assert.Contains(t, script, "gpu_index = 1")
	assert.Contains(t, script, "[CPU Fallback]")
}

func TestBuildPreambleOverridesSortedAndMapped(t *testing.T) {
	job := &models.Job{Settings: map[string]interface{}{
		"samples":      256,
		"border_min_x": 0.5,
		"use_border":   true,
		"unknown_key":  "ignored",
	}}
	script := BuildPreamble(job, PreamblePlan{})

	assert.Contains(t, script, "bpy.context.scene.render.border_min_x = 0.5")
	assert.Contains(t, script, "bpy.context.scene.cycles.samples = 256")
	assert.Contains(t, script, "bpy.context.scene.render.use_border = True")
	assert.NotContains(t, script, "unknown_key")

	// Overrides emit in key order.
	assert.Less(t,
		strings.Index(script, "border_min_x"),
		strings.Index(script, "scene.cycles.samples"))
}

func TestBuildPreambleResolutionForcesFullPercentage(t *testing.T) {
	job := &models.Job{Settings: map[string]interface{}{
		"resolution_x": 1920,
		"resolution_y": 1080,
	}}
	script := BuildPreamble(job, PreamblePlan{})
	assert.Contains(t, script, "scene.render.resolution_x = 1920")
	assert.Contains(t, script, "scene.render.resolution_percentage = 100")
}

func TestPythonValue(t *testing.T) {
	assert.Equal(t, "True", pythonValue(true))
	assert.Equal(t, "False", pythonValue(false))
	assert.Equal(t, `"CYCLES"`, pythonValue("CYCLES"))
	assert.Equal(t, "128", pythonValue(128))
	assert.Equal(t, "128", pythonValue(128.0), "integral floats print as ints")
	assert.Equal(t, "0.25", pythonValue(0.25))
}
