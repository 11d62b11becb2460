// -----------------------------------------------------------------------
// Render slots - the worker's local concurrency model.
//
// Default mode pairs one GPU slot with one CPU slot that share a single
// renderer process: the GPU slot polls first, so GPU work wins the
// machine, and the CPU slot only opens while nothing else runs. Split
// mode dedicates one slot per physical GPU so N cards render N jobs
// concurrently, plus a CPU slot that only opens while every GPU slot is
// busy - CPU threads are the GPUs' feeders, so an idle GPU always wins
// the contest for them.
// -----------------------------------------------------------------------

package worker

import (
	"sync"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/models"
)

// SlotKind describes what compute a slot drives.
type SlotKind int

const (
	// SlotCPU runs CPU work only.
	SlotCPU SlotKind = iota
	// SlotGPU runs GPU work; GPUIndex pins it to one physical card.
	SlotGPU
)

// Slot is one unit of render concurrency.
type Slot struct {
	ID       int
	Kind     SlotKind
	GPUIndex int // physical GPU for split mode, -1 for all devices
}

// WantsGPU reports whether this slot polls for GPU-capable work.
func (s *Slot) WantsGPU() bool {
	return s.Kind == SlotGPU
}

// CanRun reports whether a job's device request fits this slot.
func (s *Slot) CanRun(device models.RenderDevice) bool {
	if s.Kind == SlotGPU {
		return device != models.DeviceCPU
	}
	return device != models.DeviceGPU
}

// Scheduler hands out free slots and enforces the process gates: outside
// split mode at most one slot renders at a time, and in split mode the
// CPU slot is withheld while any GPU slot is free.
type Scheduler struct {
	mu        sync.Mutex
	slots     []Slot
	busy      []bool
	split     bool
	exclusive bool
}

// NewScheduler builds the slot set from capabilities and configuration.
// Slots are ordered GPU first; callers that walk Slots in order give GPU
// work priority over CPU work.
func NewScheduler(caps *models.WorkerCapabilities, config *common.WorkerConfig) *Scheduler {
	s := &Scheduler{
		split:     config.GPUSplitMode,
		exclusive: !config.GPUSplitMode,
	}

	hasGPU := caps.HasGPU() && !config.ForceCPUOnly
	switch {
	case !hasGPU:
		s.slots = []Slot{{ID: 0, Kind: SlotCPU, GPUIndex: -1}}
	case config.GPUSplitMode:
		for i, dev := range caps.GPUDevices {
			s.slots = append(s.slots, Slot{ID: i, Kind: SlotGPU, GPUIndex: dev.Index})
		}
		if !config.ForceGPUOnly {
			s.slots = append(s.slots, Slot{ID: len(s.slots), Kind: SlotCPU, GPUIndex: -1})
		}
	case config.ForceGPUOnly:
		s.slots = []Slot{{ID: 0, Kind: SlotGPU, GPUIndex: -1}}
	default:
		s.slots = []Slot{
			{ID: 0, Kind: SlotGPU, GPUIndex: -1},
			{ID: 1, Kind: SlotCPU, GPUIndex: -1},
		}
	}

	s.busy = make([]bool, len(s.slots))
	return s
}

// Slots returns the configured slot set, GPU slots first.
func (s *Scheduler) Slots() []Slot {
	return s.slots
}

// AcquireSlot reserves one slot for a render. It refuses when the slot is
// busy, when another slot already holds the single renderer process, or
// when the split-mode CPU gate is closed.
func (s *Scheduler) AcquireSlot(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || id >= len(s.slots) || s.busy[id] {
		return false
	}
	if s.exclusive && s.anyBusyLocked() {
		return false
	}
	if s.split && s.slots[id].Kind == SlotCPU && s.anyGPUFreeLocked() {
		return false
	}
	s.busy[id] = true
	return true
}

// Release frees a slot after its render finishes.
func (s *Scheduler) Release(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot.ID >= 0 && slot.ID < len(s.busy) {
		s.busy[slot.ID] = false
	}
}

// BusyCount returns how many slots are rendering.
func (s *Scheduler) BusyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.busy {
		if b {
			n++
		}
	}
	return n
}

func (s *Scheduler) anyBusyLocked() bool {
	for _, b := range s.busy {
		if b {
			return true
		}
	}
	return false
}

func (s *Scheduler) anyGPUFreeLocked() bool {
	for i, slot := range s.slots {
		if slot.Kind == SlotGPU && !s.busy[i] {
			return true
		}
	}
	return false
}
