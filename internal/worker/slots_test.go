package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/models"
)

func gpuCaps(n int) *models.WorkerCapabilities {
	caps := &models.WorkerCapabilities{CPUThreads: 16}
	for i := 0; i < n; i++ {
		caps.GPUDevices = append(caps.GPUDevices, models.GPUDevice{Index: i, Name: "GPU", Type: models.BackendOptiX})
	}
	if n > 0 {
		caps.GPUBackends = []models.GPUBackend{models.BackendOptiX}
	}
	return caps
}

func TestSchedulerCPUOnlyHost(t *testing.T) {
	s := NewScheduler(gpuCaps(0), &common.WorkerConfig{})
	require.Len(t, s.Slots(), 1)
	assert.Equal(t, SlotCPU, s.Slots()[0].Kind)
}

func TestSchedulerDefaultModeSlotPair(t *testing.T) {
	s := NewScheduler(gpuCaps(2), &common.WorkerConfig{ForceGPUIndex: -1})
	slots := s.Slots()
	require.Len(t, slots, 2)

	// GPU slot first so GPU work wins the machine, then a CPU slot that
	// polls with gpu_available=false and keeps device=CPU jobs flowing.
	assert.Equal(t, SlotGPU, slots[0].Kind)
	assert.Equal(t, -1, slots[0].GPUIndex)
	assert.True(t, slots[0].WantsGPU())

	assert.Equal(t, SlotCPU, slots[1].Kind)
	assert.False(t, slots[1].WantsGPU())
	assert.True(t, slots[1].CanRun(models.DeviceCPU))
}

func TestSchedulerDefaultModeSingleProcess(t *testing.T) {
	s := NewScheduler(gpuCaps(1), &common.WorkerConfig{ForceGPUIndex: -1})
	slots := s.Slots()
	require.Len(t, slots, 2)

	// Either slot may start a render, but never both at once.
	require.True(t, s.AcquireSlot(slots[0].ID))
	assert.False(t, s.AcquireSlot(slots[1].ID), "one renderer process in default mode")
	assert.Equal(t, 1, s.BusyCount())

	s.Release(slots[0])
	require.True(t, s.AcquireSlot(slots[1].ID))
	assert.False(t, s.AcquireSlot(slots[0].ID), "CPU render blocks the GPU slot too")

	s.Release(slots[1])
	assert.True(t, s.AcquireSlot(slots[0].ID))
}

func TestSchedulerSplitModeSlotsPerGPU(t *testing.T) {
	s := NewScheduler(gpuCaps(2), &common.WorkerConfig{GPUSplitMode: true, ForceGPUIndex: -1})
	slots := s.Slots()
	require.Len(t, slots, 3) // two GPU slots plus the gated CPU slot

	assert.Equal(t, SlotGPU, slots[0].Kind)
	assert.Equal(t, 0, slots[0].GPUIndex)
	assert.Equal(t, SlotGPU, slots[1].Kind)
	assert.Equal(t, 1, slots[1].GPUIndex)
	assert.Equal(t, SlotCPU, slots[2].Kind)
}

func TestSchedulerSplitModeCPUGate(t *testing.T) {
	s := NewScheduler(gpuCaps(2), &common.WorkerConfig{GPUSplitMode: true, ForceGPUIndex: -1})
	slots := s.Slots()

	// While a GPU slot is free the CPU slot stays closed.
	require.True(t, s.AcquireSlot(slots[0].ID))
	assert.False(t, s.AcquireSlot(slots[2].ID))

	require.True(t, s.AcquireSlot(slots[1].ID))

	// All GPUs busy: now the CPU slot opens, and split mode renders on
	// all three concurrently.
	assert.True(t, s.AcquireSlot(slots[2].ID))
	assert.Equal(t, 3, s.BusyCount())

	// Freeing a GPU closes the gate again.
	s.Release(slots[2])
	s.Release(slots[0])
	assert.False(t, s.AcquireSlot(slots[2].ID))
	assert.True(t, s.AcquireSlot(slots[0].ID))
}

func TestSchedulerForceGPUOnly(t *testing.T) {
	s := NewScheduler(gpuCaps(2), &common.WorkerConfig{ForceGPUOnly: true, ForceGPUIndex: -1})
	require.Len(t, s.Slots(), 1)
	assert.Equal(t, SlotGPU, s.Slots()[0].Kind)

	split := NewScheduler(gpuCaps(2), &common.WorkerConfig{ForceGPUOnly: true, GPUSplitMode: true, ForceGPUIndex: -1})
	require.Len(t, split.Slots(), 2)
	for _, slot := range split.Slots() {
		assert.Equal(t, SlotGPU, slot.Kind)
	}
}

func TestSchedulerForceCPUOnly(t *testing.T) {
	s := NewScheduler(gpuCaps(2), &common.WorkerConfig{ForceCPUOnly: true})
	require.Len(t, s.Slots(), 1)
	assert.Equal(t, SlotCPU, s.Slots()[0].Kind)
}

// A GPU-equipped default-mode worker must still service device=CPU jobs:
// the manager only hands those to polls with gpu_available=false, which
// the CPU slot provides.
func TestSchedulerDefaultModeServicesCPUJobs(t *testing.T) {
	s := NewScheduler(gpuCaps(1), &common.WorkerConfig{ForceGPUIndex: -1})

	var cpuPollers int
	for _, slot := range s.Slots() {
		if !slot.WantsGPU() {
			cpuPollers++
			assert.True(t, slot.CanRun(models.DeviceCPU))
		}
	}
	assert.Equal(t, 1, cpuPollers)
}

func TestSlotCanRun(t *testing.T) {
	cpu := &Slot{Kind: SlotCPU}
	assert.True(t, cpu.CanRun(models.DeviceCPU))
	assert.True(t, cpu.CanRun(models.DeviceAny))
	assert.False(t, cpu.CanRun(models.DeviceGPU))

	gpu := &Slot{Kind: SlotGPU}
	assert.True(t, gpu.CanRun(models.DeviceGPU))
	assert.True(t, gpu.CanRun(models.DeviceAny))
	assert.False(t, gpu.CanRun(models.DeviceCPU))
}
