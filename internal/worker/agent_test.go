package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/models"
)

func planAgent(caps *models.WorkerCapabilities) *Agent {
	cfg := common.NewDefaultConfig()
	cfg.Worker.ForceGPUIndex = -1
	return &Agent{config: cfg, caps: caps}
}

func TestPlanForAnyJobOnCPUSlot(t *testing.T) {
	a := planAgent(gpuCaps(1))
	cpuSlot := Slot{ID: 1, Kind: SlotCPU, GPUIndex: -1}

	plan := a.planFor(cpuSlot, &models.Job{Engine: "CYCLES", Device: models.DeviceAny})
	assert.False(t, plan.UseGPU)
	assert.True(t, plan.CPUFallback, "ANY downgraded to CPU must announce itself")

	// An explicit CPU request on the same slot is not a downgrade.
	plan = a.planFor(cpuSlot, &models.Job{Engine: "CYCLES", Device: models.DeviceCPU})
	assert.False(t, plan.UseGPU)
	assert.False(t, plan.CPUFallback)
}

func TestPlanForGPUSlot(t *testing.T) {
	a := planAgent(gpuCaps(1))
	gpuSlot := Slot{ID: 0, Kind: SlotGPU, GPUIndex: -1}

	plan := a.planFor(gpuSlot, &models.Job{Engine: "CYCLES", Device: models.DeviceAny})
	assert.True(t, plan.UseGPU)
	assert.Equal(t, models.BackendOptiX, plan.Backend)
	assert.False(t, plan.CPUFallback)

	// CPU jobs never touch the GPU, whatever slot claimed them.
	plan = a.planFor(gpuSlot, &models.Job{Engine: "CYCLES", Device: models.DeviceCPU})
	assert.False(t, plan.UseGPU)
	assert.False(t, plan.CPUFallback)
}

func TestPlanForPinnedIndexOverride(t *testing.T) {
	a := planAgent(gpuCaps(2))
	a.config.Worker.ForceGPUIndex = 1
	gpuSlot := Slot{ID: 0, Kind: SlotGPU, GPUIndex: -1}

	plan := a.planFor(gpuSlot, &models.Job{Engine: "CYCLES", Device: models.DeviceGPU})
	assert.True(t, plan.UseGPU)
	assert.Equal(t, 1, plan.DeviceIdx)
}
