package models

import "time"

// GPUBackend identifies a renderer compute backend.
type GPUBackend string

const (
	BackendCUDA   GPUBackend = "CUDA"
	BackendOptiX  GPUBackend = "OPTIX"
	BackendHIP    GPUBackend = "HIP"
	BackendMetal  GPUBackend = "METAL"
	BackendOneAPI GPUBackend = "ONEAPI"
)

// BackendPreference is the order in which backends are selected when a
// physical card exposes more than one, and when picking the render backend
// for a GPU job.
var BackendPreference = []GPUBackend{BackendOptiX, BackendCUDA, BackendHIP, BackendMetal, BackendOneAPI}

// GPUDevice is one physical GPU after backend de-duplication.
type GPUDevice struct {
	Index int        `json:"index"`
	Name  string     `json:"name"`
	Type  GPUBackend `json:"type"`
}

// WorkerCapabilities is the structured capability record a worker reports
// with its full heartbeat.
type WorkerCapabilities struct {
	RendererVersions []string     `json:"blender_versions"`
	GPUBackends      []GPUBackend `json:"gpu_backends"`
	GPUDevices       []GPUDevice  `json:"gpu_physical_devices"`
	CPUThreads       int          `json:"cpu_threads"`
}

// HasGPU returns true if any compute backend was detected.
func (c *WorkerCapabilities) HasGPU() bool {
	return len(c.GPUBackends) > 0
}

// Worker is a registered agent, upserted by hostname on full heartbeat.
type Worker struct {
	ID           uint64             `json:"id" badgerhold:"key"`
	Hostname     string             `json:"hostname" badgerhold:"unique"`
	IP           string             `json:"ip"`
	OS           string             `json:"os"`
	LastSeen     time.Time          `json:"last_seen"`
	IsActive     bool               `json:"is_active"`
	Capabilities WorkerCapabilities `json:"capabilities"`
	RegisteredAt time.Time          `json:"registered_at"`
}
