// -----------------------------------------------------------------------
// Capability detection - asks the renderer to enumerate its compute
// devices, then reduces the per-backend listing to physical cards.
//
// The renderer reports every (card, backend) pairing as a separate device:
// one RTX card shows up under both CUDA and OPTIX. Physical identity is
// the PCI bus ID, so devices are de-duplicated on it before reporting.
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/models"
)

// capsBeginMarker and capsEndMarker bracket the JSON payload in the
// renderer's stdout, which is otherwise full of startup noise.
const (
	capsBeginMarker = "RENDERBARN_CAPS_BEGIN"
	capsEndMarker   = "RENDERBARN_CAPS_END"
)

// enumerationScript prints every compute device the renderer can see.
const enumerationScript = `
import json, sys
try:
    import bpy
    prefs = bpy.context.preferences.addons["cycles"].preferences
    devices = []
    for backend in ("OPTIX", "CUDA", "HIP", "METAL", "ONEAPI"):
        try:
            for dev in prefs.get_devices_for_type(backend):
                if dev.type == "CPU":
                    continue
                devices.append({
                    "name": dev.name,
                    "backend": backend,
                    "bus_id": getattr(dev, "pcie_id", "") or dev.id,
                })
        except Exception:
            pass
    print("RENDERBARN_CAPS_BEGIN")
    print(json.dumps({"devices": devices}))
    print("RENDERBARN_CAPS_END")
except Exception as exc:
    print("RENDERBARN_CAPS_BEGIN")
    print(json.dumps({"devices": [], "error": str(exc)}))
    print("RENDERBARN_CAPS_END")
`

// RawGPUDevice is one (card, backend) pairing as the renderer reports it.
type RawGPUDevice struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	BusID   string `json:"bus_id"`
}

// Detector probes host capabilities once and caches the result.
type Detector struct {
	tools  *ToolManager
	config *common.WorkerConfig
	logger arbor.ILogger

	mu     sync.Mutex
	cached *models.WorkerCapabilities
}

// NewDetector creates a capability detector.
func NewDetector(tools *ToolManager, config *common.WorkerConfig, logger arbor.ILogger) *Detector {
	return &Detector{tools: tools, config: config, logger: logger}
}

// Detect returns the host capabilities, probing the renderer on first use.
func (d *Detector) Detect(ctx context.Context) (*models.WorkerCapabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil {
		return d.cached, nil
	}

	caps := &models.WorkerCapabilities{
		RendererVersions: d.tools.InstalledVersions(),
		CPUThreads:       runtime.NumCPU(),
	}
	if d.config.CPUThreads > 0 {
		caps.CPUThreads = d.config.CPUThreads
	}

	if d.config.ForceCPUOnly {
		d.logger.Info().Msg("GPU detection skipped (force_cpu_only)")
		d.cached = caps
		return caps, nil
	}

	raw, err := d.enumerate(ctx)
	if err != nil {
		// A host without working GPU drivers is still a valid CPU worker.
		d.logger.Warn().Err(err).Msg("GPU enumeration failed; reporting CPU only")
		d.cached = caps
		return caps, nil
	}

	devices, backends := DedupDevices(raw)

	if d.config.ForceGPUIndex >= 0 {
		devices, backends = pinDevice(devices, d.config.ForceGPUIndex)
	}

	caps.GPUDevices = devices
	caps.GPUBackends = backends
	d.cached = caps

	d.logger.Info().
		Int("gpus", len(devices)).
		Int("cpu_threads", caps.CPUThreads).
		Msg("Capabilities detected")
	return caps, nil
}

// Reset clears the cache so the next Detect probes again, e.g. after a new
// renderer version is installed.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *Detector) enumerate(ctx context.Context) ([]RawGPUDevice, error) {
	versions := d.tools.InstalledVersions()
	if len(versions) == 0 {
		return nil, fmt.Errorf("no renderer installed")
	}
	bin, err := d.tools.BinaryPath(versions[0])
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, "--factory-startup", "-b", "--python-expr", enumerationScript)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("renderer enumeration failed: %w", err)
	}

	payload, err := extractMarkedJSON(string(out))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Devices []RawGPUDevice `json:"devices"`
		Error   string         `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse enumeration output: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("renderer enumeration error: %s", parsed.Error)
	}
	return parsed.Devices, nil
}

func extractMarkedJSON(out string) (string, error) {
	begin := strings.Index(out, capsBeginMarker)
	end := strings.Index(out, capsEndMarker)
	if begin < 0 || end < 0 || end <= begin {
		return "", fmt.Errorf("enumeration markers missing from renderer output")
	}
	return strings.TrimSpace(out[begin+len(capsBeginMarker) : end]), nil
}

// DedupDevices reduces the per-backend device listing to physical cards
// and picks one render backend per card:
//
//	name contains "RTX" -> OPTIX
//	name contains "GTX" -> CUDA
//	otherwise the first of OPTIX > CUDA > HIP > METAL > ONEAPI the card
//	actually exposes
func DedupDevices(raw []RawGPUDevice) ([]models.GPUDevice, []models.GPUBackend) {
	type card struct {
		name     string
		backends map[models.GPUBackend]bool
	}

	var order []string
	cards := make(map[string]*card)
	for _, r := range raw {
		key := r.BusID
		if key == "" {
			// No bus ID means no physical identity; fall back to the
			// device name so identical listings still collapse.
			key = r.Name
		}
		c, ok := cards[key]
		if !ok {
			c = &card{name: r.Name, backends: make(map[models.GPUBackend]bool)}
			cards[key] = c
			order = append(order, key)
		}
		c.backends[models.GPUBackend(strings.ToUpper(r.Backend))] = true
	}

	var devices []models.GPUDevice
	backendSet := make(map[models.GPUBackend]bool)
	for i, key := range order {
		c := cards[key]
		backend := chooseBackend(c.name, c.backends)
		if backend == "" {
			continue
		}
		devices = append(devices, models.GPUDevice{
			Index: i,
			Name:  c.name,
			Type:  backend,
		})
		backendSet[backend] = true
	}

	var backends []models.GPUBackend
	for _, b := range models.BackendPreference {
		if backendSet[b] {
			backends = append(backends, b)
		}
	}
	return devices, backends
}

func chooseBackend(name string, available map[models.GPUBackend]bool) models.GPUBackend {
	upper := strings.ToUpper(name)
	if strings.Contains(upper, "RTX") && available[models.BackendOptiX] {
		return models.BackendOptiX
	}
	if strings.Contains(upper, "GTX") && available[models.BackendCUDA] {
		return models.BackendCUDA
	}
	for _, b := range models.BackendPreference {
		if available[b] {
			return b
		}
	}
	return ""
}

// pinDevice restricts the capability report to a single physical GPU.
func pinDevice(devices []models.GPUDevice, index int) ([]models.GPUDevice, []models.GPUBackend) {
	for _, dev := range devices {
		if dev.Index == index {
			return []models.GPUDevice{dev}, []models.GPUBackend{dev.Type}
		}
	}
	return nil, nil
}
