// -----------------------------------------------------------------------
// Worker agent - bootstraps the renderer, registers with the manager and
// runs the poll/claim/render loop across the configured slots.
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/models"
)

// Agent is one worker process.
type Agent struct {
	config    *common.Config
	client    *Client
	tools     *ToolManager
	detector  *Detector
	cache     *AssetCache
	invoker   *Invoker
	scheduler *Scheduler
	logger    arbor.ILogger

	hostname string
	workerID uint64
	caps     *models.WorkerCapabilities

	wg sync.WaitGroup
}

// NewAgent wires up the agent's components.
func NewAgent(config *common.Config, logger arbor.ILogger) (*Agent, error) {
	hostname := config.Worker.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine hostname: %w", err)
		}
		hostname = h
	}

	client := NewClient(config.Worker.ManagerURL, logger)
	tools, err := NewToolManager(config.Worker.ToolsDir, config.Renderer.CatalogURL, logger)
	if err != nil {
		return nil, err
	}
	cache, err := NewAssetCache(config.Worker.CacheDir, client, logger)
	if err != nil {
		return nil, err
	}

	return &Agent{
		config:   config,
		client:   client,
		tools:    tools,
		detector: NewDetector(tools, &config.Worker, logger),
		cache:    cache,
		invoker:  NewInvoker(client, config.Worker.CancelPollDuration(), logger),
		logger:   logger,
		hostname: hostname,
	}, nil
}

// Run bootstraps and then polls until the context ends. In-flight renders
// are allowed to finish (the renderer is killed only on cancellation).
func (a *Agent) Run(ctx context.Context) error {
	// Provision the LTS renderer before anything else; capability
	// detection needs a binary to probe.
	version, _, err := a.tools.EnsureVersion(ctx, a.config.Renderer.LTSVersion)
	if err != nil {
		return fmt.Errorf("failed to provision renderer %s: %w", a.config.Renderer.LTSVersion, err)
	}
	a.logger.Info().Str("version", version).Msg("Renderer provisioned")

	a.caps, err = a.detector.Detect(ctx)
	if err != nil {
		return err
	}
	a.scheduler = NewScheduler(a.caps, &a.config.Worker)

	if err := a.register(ctx); err != nil {
		return err
	}

	a.logger.Info().
		Int64("worker_id", int64(a.workerID)).
		Str("hostname", a.hostname).
		Int("slots", len(a.scheduler.Slots())).
		Bool("split_mode", a.config.Worker.GPUSplitMode).
		Msg("Worker ready")

	a.wg.Add(1)
	go a.heartbeatLoop(ctx)

	pollTicker := time.NewTicker(a.config.Worker.PollIntervalDuration())
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Shutting down; waiting for running renders")
			a.wg.Wait()
			return nil
		case <-pollTicker.C:
			a.fillSlots(ctx)
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	worker, err := a.client.Register(ctx, a.hostname, runtime.GOOS, a.caps)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	a.workerID = worker.ID
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.Worker.HeartbeatIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.client.Pulse(ctx, a.hostname)
			if errors.Is(err, ErrUnknownWorker) {
				a.logger.Warn().Msg("Manager lost our registration; re-registering")
				if rerr := a.register(ctx); rerr != nil {
					a.logger.Error().Err(rerr).Msg("Re-registration failed")
				}
			} else if err != nil {
				a.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// fillSlots claims work for every free slot. Slots are walked in the
// scheduler's order, GPU first, so the CPU slot polls with its own
// gpu_available=false filter only after GPU work had its chance.
func (a *Agent) fillSlots(ctx context.Context) {
	for _, slot := range a.scheduler.Slots() {
		if !a.scheduler.AcquireSlot(slot.ID) {
			continue
		}

		job := a.claimFor(ctx, slot)
		if job == nil {
			a.scheduler.Release(slot)
			continue
		}

		a.wg.Add(1)
		go func(slot Slot, job *models.Job) {
			defer a.wg.Done()
			defer a.scheduler.Release(slot)
			a.execute(ctx, slot, job)
		}(slot, job)
	}
}

// claimFor polls and attempts to claim one job that fits the slot. Lost
// claims just move to the next candidate.
func (a *Agent) claimFor(ctx context.Context, slot Slot) *models.Job {
	jobs, err := a.client.PollJobs(ctx, slot.WantsGPU(), 10)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Job poll failed")
		return nil
	}

	for _, candidate := range jobs {
		if !slot.CanRun(candidate.Device) {
			continue
		}
		claimed, err := a.client.ClaimJob(ctx, candidate.ID, a.workerID)
		if errors.Is(err, ErrClaimLost) {
			continue
		}
		if err != nil {
			a.logger.Warn().Err(err).Int64("job_id", int64(candidate.ID)).Msg("Claim failed")
			return nil
		}
		return claimed
	}
	return nil
}

// execute runs one claimed job to a terminal report.
func (a *Agent) execute(ctx context.Context, slot Slot, job *models.Job) {
	log := a.logger.WithCorrelationId(fmt.Sprintf("job-%d", job.ID))

	if err := a.client.ReportStatus(ctx, job.ID, models.JobStatusRendering, 0, ""); err != nil {
		log.Error().Err(err).Msg("Failed to report RENDERING; abandoning claim")
		return
	}

	if err := a.renderAndUpload(ctx, slot, job, log); err != nil {
		log.Error().Err(err).Msg("Job failed")
		msg := err.Error()
		if len(msg) > 4000 {
			msg = msg[:4000]
		}
		if rerr := a.client.ReportStatus(ctx, job.ID, models.JobStatusError, 0, msg); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to report ERROR")
		}
	}
}

func (a *Agent) renderAndUpload(ctx context.Context, slot Slot, job *models.Job, log arbor.ILogger) error {
	blendPath, err := a.cache.Fetch(ctx, job.AssetID)
	if err != nil {
		return fmt.Errorf("asset fetch failed: %w", err)
	}

	_, binary, err := a.tools.EnsureVersion(ctx, job.RendererVersion)
	if err != nil {
		return fmt.Errorf("renderer provisioning failed: %w", err)
	}

	workDir := filepath.Join(a.config.Worker.CacheDir, "work", fmt.Sprintf("job_%d", job.ID))
	defer os.RemoveAll(workDir)

	plan := a.planFor(slot, job)
	script := BuildPreamble(job, plan)
	preamblePath, err := WritePreamble(workDir, job, script)
	if err != nil {
		return err
	}

	threads := 0
	if !plan.UseGPU {
		threads = CPUThreads(a.caps.CPUThreads, len(a.caps.GPUDevices), a.config.Worker.CPUThreads)
	}

	result, err := a.invoker.Render(ctx, job, RenderSpec{
		Binary:       binary,
		BlendPath:    blendPath,
		PreamblePath: preamblePath,
		OutputDir:    filepath.Join(workDir, "outputs"),
		Threads:      threads,
	})
	if err != nil {
		return err
	}
	if result.Canceled {
		log.Info().Msg("Render canceled by manager")
		return nil
	}

	for _, artifact := range result.Outputs {
		if err := a.client.UploadOutput(ctx, job.ID, artifact); err != nil {
			return fmt.Errorf("artifact upload failed: %w", err)
		}
	}

	if err := a.client.ReportStatus(ctx, job.ID, models.JobStatusDone, result.RenderTime, ""); err != nil {
		return fmt.Errorf("failed to report DONE: %w", err)
	}

	log.Info().
		Float64("render_time_s", result.RenderTime).
		Bool("cpu_fallback", result.CPUFallback).
		Msg("Job complete")
	return nil
}

// planFor resolves the compute selection for a job on a slot. A job that
// asked for GPU-capable compute but lands on a CPU slot renders on CPU
// and announces the downgrade in its output.
func (a *Agent) planFor(slot Slot, job *models.Job) PreamblePlan {
	if slot.Kind == SlotCPU || job.Device == models.DeviceCPU {
		return PreamblePlan{
			Engine:      job.Engine,
			FeatureSet:  job.FeatureSet,
			DeviceIdx:   -1,
			CPUFallback: job.Device != models.DeviceCPU,
		}
	}

	deviceIdx := slot.GPUIndex
	if a.config.Worker.ForceGPUIndex >= 0 {
		deviceIdx = a.config.Worker.ForceGPUIndex
	}
	return PlanDevice(job, a.caps, deviceIdx)
}
