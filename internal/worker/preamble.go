// -----------------------------------------------------------------------
// Render preamble - a generated python script executed by the renderer
// before the job's frames. It selects the engine and compute device and
// applies the job's setting overrides, so the scene file itself never
// needs editing.
// -----------------------------------------------------------------------

package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/renderbarn/renderbarn/internal/models"
)

// settingPaths maps job setting keys to renderer property paths. Keys not
// listed here are ignored rather than guessed at.
var settingPaths = map[string]string{
	"resolution_x":   "scene.render.resolution_x",
	"resolution_y":   "scene.render.resolution_y",
	"use_border":     "scene.render.use_border",
	"crop_to_border": "scene.render.use_crop_to_border",
	"border_min_x":   "scene.render.border_min_x",
	"border_max_x":   "scene.render.border_max_x",
	"border_min_y":   "scene.render.border_min_y",
	"border_max_y":   "scene.render.border_max_y",
	"samples":        "scene.cycles.samples",
	"max_bounces":    "scene.cycles.max_bounces",
	"tile_size":      "scene.cycles.tile_size",
	"fps":            "scene.render.fps",
	"film_exposure":  "scene.cycles.film_exposure",
	"use_denoising":  "scene.cycles.use_denoising",
}

// PreamblePlan is the resolved device selection for one render.
// CPUFallback marks a render that wanted GPU-capable compute but ends up
// on CPU anyway; the generated script announces it with a
// "[CPU Fallback]" line the invoker watches for.
type PreamblePlan struct {
	Engine      string
	UseGPU      bool
	Backend     models.GPUBackend
	DeviceIdx   int // physical GPU to enable, -1 for all
	FeatureSet  string
	CPUFallback bool
}

// PlanDevice resolves the job's device request against host capabilities.
// deviceIdx pins the render to one physical GPU (-1 enables all). A GPU
// request on a host that turns out to have none falls back to CPU.
func PlanDevice(job *models.Job, caps *models.WorkerCapabilities, deviceIdx int) PreamblePlan {
	plan := PreamblePlan{
		Engine:     job.Engine,
		DeviceIdx:  deviceIdx,
		FeatureSet: job.FeatureSet,
	}
	if job.Device == models.DeviceCPU {
		return plan
	}
	if !caps.HasGPU() {
		plan.CPUFallback = true
		return plan
	}

	// Pinned device decides the backend; otherwise take the preferred
	// backend the host exposes.
	if deviceIdx >= 0 {
		for _, dev := range caps.GPUDevices {
			if dev.Index == deviceIdx {
				plan.UseGPU = true
				plan.Backend = dev.Type
				return plan
			}
		}
		plan.CPUFallback = true
		return plan
	}
	if len(caps.GPUBackends) > 0 {
		plan.UseGPU = true
		plan.Backend = caps.GPUBackends[0]
	} else {
		plan.CPUFallback = true
	}
	return plan
}

// BuildPreamble renders the python preamble for a job.
func BuildPreamble(job *models.Job, plan PreamblePlan) string {
	var b strings.Builder
	b.WriteString("import bpy\n")
	b.WriteString("scene = bpy.context.scene\n")

	if plan.Engine != "" {
		fmt.Fprintf(&b, "scene.render.engine = %s\n", pythonValue(plan.Engine))
	}
	if plan.FeatureSet != "" {
		fmt.Fprintf(&b, "scene.cycles.feature_set = %s\n", pythonValue(strings.ToUpper(plan.FeatureSet)))
	}

	if plan.UseGPU {
		fmt.Fprintf(&b, `
prefs = bpy.context.preferences.addons["cycles"].preferences
prefs.compute_device_type = %s
prefs.get_devices()
enabled = 0
gpu_index = %d
physical = -1
for dev in prefs.devices:
    if dev.type == "CPU":
        dev.use = False
        continue
    physical += 1
    dev.use = gpu_index < 0 or physical == gpu_index
    if dev.use:
        enabled += 1
if enabled > 0:
    scene.cycles.device = "GPU"
else:
    print("[CPU Fallback] no usable GPU device; rendering on CPU")
    scene.cycles.device = "CPU"
`, pythonValue(string(plan.Backend)), plan.DeviceIdx)
	} else {
		if plan.CPUFallback {
			b.WriteString("print(\"[CPU Fallback] rendering on CPU\")\n")
		}
		b.WriteString("scene.cycles.device = \"CPU\"\n")
	}

	// Setting overrides, in stable order.
	keys := make([]string, 0, len(job.Settings))
	for k := range job.Settings {
		if _, ok := settingPaths[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "bpy.context.%s = %s\n", settingPaths[k], pythonValue(job.Settings[k]))
	}
	if _, ok := job.Settings["resolution_x"]; ok {
		b.WriteString("scene.render.resolution_percentage = 100\n")
	}

	return b.String()
}

// WritePreamble stores the script beside the job's working directory and
// returns its path.
func WritePreamble(dir string, job *models.Job, script string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("preamble_job_%d.py", job.ID))
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func pythonValue(v interface{}) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return fmt.Sprintf("%q", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
