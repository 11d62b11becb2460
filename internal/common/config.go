package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration shared by the manager and
// the worker agent. Each binary reads the sections it cares about.
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Logging     LoggingConfig  `toml:"logging"`
	Manager     ManagerConfig  `toml:"manager"`
	Renderer    RendererConfig `toml:"renderer"`
	Worker      WorkerConfig   `toml:"worker"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Media  MediaConfig  `toml:"media"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// MediaConfig configures the server-side media root where asset blobs,
// rendered outputs and thumbnails are stored.
type MediaConfig struct {
	Root string `toml:"root"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// ManagerConfig contains manager-side tuning.
type ManagerConfig struct {
	WorkerStaleAfter string `toml:"worker_stale_after"` // worker marked inactive after this without a heartbeat
	LivenessSchedule string `toml:"liveness_schedule"`  // cron schedule for the liveness sweep
}

// RendererConfig describes where renderer builds are published.
type RendererConfig struct {
	CatalogURL string `toml:"catalog_url"` // JSON release catalog of download URLs and hashes
	LTSVersion string `toml:"lts_version"` // version provisioned at worker startup
}

// WorkerConfig contains worker agent configuration.
type WorkerConfig struct {
	ManagerURL        string `toml:"manager_url"`        // base URL of the manager API
	Hostname          string `toml:"hostname"`           // override; defaults to os.Hostname()
	PollInterval      string `toml:"poll_interval"`      // e.g. "5s"
	HeartbeatInterval string `toml:"heartbeat_interval"` // e.g. "30s"
	CancelPollEvery   string `toml:"cancel_poll_every"`  // how often a running job re-checks for cancellation
	ForceCPUOnly      bool   `toml:"force_cpu_only"`     // report no GPUs, poll CPU work only
	ForceGPUOnly      bool   `toml:"force_gpu_only"`     // poll GPU work only
	ForceGPUIndex     int    `toml:"force_gpu_index"`    // pin all renders to one physical GPU (-1 = unset)
	GPUSplitMode      bool   `toml:"gpu_split_mode"`     // one slot per physical GPU
	CPUThreads        int    `toml:"cpu_threads"`        // manual --threads override (0 = auto)
	ToolsDir          string `toml:"tools_dir"`          // managed renderer installs
	CacheDir          string `toml:"cache_dir"`          // local asset cache
}

// PollIntervalDuration parses the poll interval, falling back to 5s.
func (w *WorkerConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(w.PollInterval, 5*time.Second)
}

// HeartbeatIntervalDuration parses the heartbeat interval, falling back to 30s.
func (w *WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDurationOr(w.HeartbeatInterval, 30*time.Second)
}

// CancelPollDuration parses the cancel poll interval, falling back to 2s.
func (w *WorkerConfig) CancelPollDuration() time.Duration {
	return parseDurationOr(w.CancelPollEvery, 2*time.Second)
}

// WorkerStaleDuration parses the stale threshold, falling back to 90s.
func (m *ManagerConfig) WorkerStaleDuration() time.Duration {
	return parseDurationOr(m.WorkerStaleAfter, 90*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in renderbarn.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8075,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Media: MediaConfig{
				Root: "./data/media",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Manager: ManagerConfig{
			WorkerStaleAfter: "90s",
			LivenessSchedule: "0 * * * * *", // every minute
		},
		Renderer: RendererConfig{
			CatalogURL: "https://mirror.renderbarn.dev/releases.json",
			LTSVersion: "4.5",
		},
		Worker: WorkerConfig{
			ManagerURL:        "http://localhost:8075",
			PollInterval:      "5s",
			HeartbeatInterval: "30s",
			CancelPollEvery:   "2s",
			ForceGPUIndex:     -1,
			ToolsDir:          "./tools",
			CacheDir:          "./cache",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("RENDERBARN_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("RENDERBARN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("RENDERBARN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("RENDERBARN_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if mediaRoot := os.Getenv("RENDERBARN_MEDIA_ROOT"); mediaRoot != "" {
		config.Storage.Media.Root = mediaRoot
	}

	if level := os.Getenv("RENDERBARN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if catalogURL := os.Getenv("RENDERBARN_CATALOG_URL"); catalogURL != "" {
		config.Renderer.CatalogURL = catalogURL
	}

	if managerURL := os.Getenv("RENDERBARN_MANAGER_URL"); managerURL != "" {
		config.Worker.ManagerURL = managerURL
	}
	if hostname := os.Getenv("RENDERBARN_WORKER_HOSTNAME"); hostname != "" {
		config.Worker.Hostname = hostname
	}
	if pollInterval := os.Getenv("RENDERBARN_WORKER_POLL_INTERVAL"); pollInterval != "" {
		config.Worker.PollInterval = pollInterval
	}
	if heartbeat := os.Getenv("RENDERBARN_WORKER_HEARTBEAT_INTERVAL"); heartbeat != "" {
		config.Worker.HeartbeatInterval = heartbeat
	}
	if forceCPU := os.Getenv("RENDERBARN_WORKER_FORCE_CPU_ONLY"); forceCPU != "" {
		if b, err := strconv.ParseBool(forceCPU); err == nil {
			config.Worker.ForceCPUOnly = b
		}
	}
	if forceGPU := os.Getenv("RENDERBARN_WORKER_FORCE_GPU_ONLY"); forceGPU != "" {
		if b, err := strconv.ParseBool(forceGPU); err == nil {
			config.Worker.ForceGPUOnly = b
		}
	}
	if forceIndex := os.Getenv("RENDERBARN_WORKER_FORCE_GPU_INDEX"); forceIndex != "" {
		if i, err := strconv.Atoi(forceIndex); err == nil {
			config.Worker.ForceGPUIndex = i
		}
	}
	if splitMode := os.Getenv("RENDERBARN_WORKER_GPU_SPLIT_MODE"); splitMode != "" {
		if b, err := strconv.ParseBool(splitMode); err == nil {
			config.Worker.GPUSplitMode = b
		}
	}
	if threads := os.Getenv("RENDERBARN_WORKER_CPU_THREADS"); threads != "" {
		if t, err := strconv.Atoi(threads); err == nil {
			config.Worker.CPUThreads = t
		}
	}
	if toolsDir := os.Getenv("RENDERBARN_WORKER_TOOLS_DIR"); toolsDir != "" {
		config.Worker.ToolsDir = toolsDir
	}
	if cacheDir := os.Getenv("RENDERBARN_WORKER_CACHE_DIR"); cacheDir != "" {
		config.Worker.CacheDir = cacheDir
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}
