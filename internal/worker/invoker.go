// -----------------------------------------------------------------------
// Renderer invocation - builds the argv, supervises the subprocess, polls
// for cancellation and collects the artifacts it wrote.
// -----------------------------------------------------------------------

package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/models"
)

// cpuFallbackMarker is printed by the preamble when a GPU render had to
// drop to CPU at runtime.
const cpuFallbackMarker = "[CPU Fallback]"

// tailLines bounds the stdout/stderr tail kept for error reporting.
const tailLines = 120

// RenderSpec is everything the invoker needs to run one job.
type RenderSpec struct {
	Binary       string
	BlendPath    string
	PreamblePath string
	OutputDir    string
	Threads      int // --threads value; 0 omits the flag
}

// RenderResult is the outcome of a completed render.
type RenderResult struct {
	Outputs     []string
	RenderTime  float64
	CPUFallback bool
	Canceled    bool
	Tail        string
}

// Invoker runs renderer subprocesses under supervision.
type Invoker struct {
	client     *Client
	cancelPoll time.Duration
	logger     arbor.ILogger
}

// NewInvoker creates an invoker. cancelPoll is how often a running render
// re-checks the job for cancellation.
func NewInvoker(client *Client, cancelPoll time.Duration, logger arbor.ILogger) *Invoker {
	return &Invoker{client: client, cancelPoll: cancelPoll, logger: logger}
}

// BuildArgs assembles the renderer argv for a job. Flag order matters to
// the renderer: inputs and scripts before output settings, the render
// instruction last.
func BuildArgs(job *models.Job, spec RenderSpec) []string {
	args := []string{
		"--factory-startup",
		"-b", spec.BlendPath,
		"--python", spec.PreamblePath,
		"-o", outputArg(spec.OutputDir, job.OutputPattern),
		"-F", "PNG",
	}
	if spec.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(spec.Threads))
	}
	if job.StartFrame == job.EndFrame {
		args = append(args, "-f", strconv.Itoa(job.StartFrame))
	} else {
		args = append(args,
			"-s", strconv.Itoa(job.StartFrame),
			"-e", strconv.Itoa(job.EndFrame),
			"-a")
	}
	return args
}

// outputArg joins the working directory with the job's pattern, ensuring a
// frame-number placeholder is present.
func outputArg(dir, pattern string) string {
	base := filepath.Base(filepath.ToSlash(pattern))
	if base == "" || base == "." {
		base = "frame_"
	}
	if !strings.Contains(base, "#") {
		base += "####"
	}
	return filepath.Join(dir, base)
}

// CPUThreads computes the --threads value for a CPU render. A manual
// override always wins. On a mixed host every thread minus one per
// physical GPU, which stays reserved for any GPU render running beside
// this one, never below 1. A host without GPUs returns 0 so the flag is
// omitted and the renderer uses all cores on its own.
func CPUThreads(hostThreads, numGPUs, override int) int {
	if override > 0 {
		return override
	}
	if numGPUs == 0 {
		return 0
	}
	threads := hostThreads - numGPUs
	if threads < 1 {
		threads = 1
	}
	return threads
}

// Render runs the job to completion, cancellation or failure. The render
// is killed (process tree, children first) when the manager reports the
// job CANCELED or the context ends.
func (inv *Invoker) Render(ctx context.Context, job *models.Job, spec RenderSpec) (*RenderResult, error) {
	if err := os.MkdirAll(spec.OutputDir, 0755); err != nil {
		return nil, err
	}

	args := BuildArgs(job, spec)
	cmd := exec.Command(spec.Binary, args...)
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	inv.logger.Info().
		Int64("job_id", int64(job.ID)).
		Str("binary", spec.Binary).
		Str("args", strings.Join(args, " ")).
		Msg("Starting render")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start renderer: %w", err)
	}

	result := &RenderResult{}
	tail := newTailBuffer(tailLines)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Add(line)
			if strings.Contains(line, cpuFallbackMarker) {
				result.CPUFallback = true
				inv.logger.Warn().Int64("job_id", int64(job.ID)).Msg("Render fell back to CPU")
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			tail.Add(scanner.Text())
		}
	}()

	// Cancellation watch: poll the job record until the render exits.
	watchDone := make(chan struct{})
	canceled := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(inv.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ctx.Done():
				killProcessTree(cmd)
				return
			case <-ticker.C:
				current, err := inv.client.GetJob(ctx, job.ID)
				if err != nil {
					continue // transient; keep rendering
				}
				if current.Status == models.JobStatusCanceled {
					select {
					case canceled <- struct{}{}:
					default:
					}
					killProcessTree(cmd)
					return
				}
			}
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(watchDone)

	result.RenderTime = time.Since(start).Seconds()
	result.Tail = tail.String()

	select {
	case <-canceled:
		result.Canceled = true
		inv.logger.Info().Int64("job_id", int64(job.ID)).Msg("Render canceled")
		return result, nil
	default:
	}
	if ctx.Err() != nil {
		result.Canceled = true
		return result, nil
	}
	if waitErr != nil {
		return result, fmt.Errorf("renderer exited abnormally: %w\n%s", waitErr, result.Tail)
	}

	outputs, err := collectOutputs(spec.OutputDir)
	if err != nil {
		return result, err
	}
	if len(outputs) == 0 {
		return result, fmt.Errorf("renderer exited cleanly but produced no output\n%s", result.Tail)
	}
	result.Outputs = outputs

	inv.logger.Info().
		Int64("job_id", int64(job.ID)).
		Int("artifacts", len(outputs)).
		Float64("render_time_s", result.RenderTime).
		Msg("Render finished")
	return result, nil
}

func collectOutputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var outputs []string
	for _, e := range entries {
		if !e.IsDir() {
			outputs = append(outputs, filepath.Join(dir, e.Name()))
		}
	}
	return outputs, nil
}

// tailBuffer keeps the last n lines of subprocess output.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
