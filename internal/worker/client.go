// -----------------------------------------------------------------------
// Manager API client used by the worker agent. Every call carries a
// bounded timeout; uploads and downloads get a longer budget than the
// chatty poll/claim/heartbeat calls.
// -----------------------------------------------------------------------

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/models"
)

// ErrClaimLost is returned when another worker claimed the job first.
var ErrClaimLost = errors.New("claim lost")

// ErrUnknownWorker is returned when a heartbeat pulse hits a manager that
// no longer knows the hostname; the agent must re-register.
var ErrUnknownWorker = errors.New("worker not registered")

// Client talks to the manager's HTTP API.
type Client struct {
	baseURL  string
	http     *http.Client
	transfer *http.Client
	logger   arbor.ILogger
}

// NewClient creates a manager API client.
func NewClient(baseURL string, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		transfer: &http.Client{Timeout: 30 * time.Minute},
		logger:   logger,
	}
}

// Register sends a full heartbeat with capabilities and returns the stored
// worker record, including the manager-assigned ID.
func (c *Client) Register(ctx context.Context, hostname, osName string, caps *models.WorkerCapabilities) (*models.Worker, error) {
	body := map[string]interface{}{
		"hostname":     hostname,
		"os":           osName,
		"capabilities": caps,
	}
	var worker models.Worker
	if err := c.postJSON(ctx, "/api/heartbeat", body, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// Pulse sends a hostname-only heartbeat. Returns ErrUnknownWorker when the
// manager lost the registration.
func (c *Client) Pulse(ctx context.Context, hostname string) error {
	err := c.postJSON(ctx, "/api/heartbeat", map[string]interface{}{"hostname": hostname}, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
		return ErrUnknownWorker
	}
	return err
}

// PollJobs fetches claimable QUEUED jobs, oldest first. gpuAvailable
// filters out work the host cannot run.
func (c *Client) PollJobs(ctx context.Context, gpuAvailable bool, limit int) ([]*models.Job, error) {
	q := url.Values{}
	q.Set("status", "QUEUED")
	q.Set("assigned_worker__isnull", "true")
	q.Set("gpu_available", strconv.FormatBool(gpuAvailable))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Jobs []*models.Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/api/jobs?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ClaimJob attempts the conditional claim. Returns ErrClaimLost on 409.
func (c *Client) ClaimJob(ctx context.Context, jobID, workerID uint64) (*models.Job, error) {
	var job models.Job
	err := c.patchJSON(ctx, fmt.Sprintf("/api/jobs/%d", jobID), map[string]interface{}{"assigned_worker": workerID}, &job)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status == http.StatusConflict {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches the current job record; used for the cancellation poll.
func (c *Client) GetJob(ctx context.Context, jobID uint64) (*models.Job, error) {
	var job models.Job
	if err := c.getJSON(ctx, fmt.Sprintf("/api/jobs/%d", jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ReportStatus drives the job lifecycle from the worker side.
func (c *Client) ReportStatus(ctx context.Context, jobID uint64, status models.JobStatus, renderTime float64, errorMessage string) error {
	body := map[string]interface{}{"status": string(status)}
	if renderTime > 0 {
		body["render_time_s"] = renderTime
	}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}
	return c.patchJSON(ctx, fmt.Sprintf("/api/jobs/%d", jobID), body, nil)
}

// DownloadAsset streams the scene blob to destPath.
func (c *Client) DownloadAsset(ctx context.Context, assetID, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/assets/"+assetID+"/download", nil)
	if err != nil {
		return err
	}
	resp, err := c.transfer.Do(req)
	if err != nil {
		return fmt.Errorf("asset download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	tmp := destPath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("asset download interrupted: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, destPath)
}

// UploadOutput posts a rendered artifact as multipart form data.
func (c *Client) UploadOutput(ctx context.Context, jobID uint64, artifactPath string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("output_file", filepath.Base(artifactPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/jobs/%d/upload_output", c.baseURL, jobID), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.transfer.Do(req)
	if err != nil {
		return fmt.Errorf("output upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp)
	}
	return nil
}

// -----------------------------------------------------------------------
// Plumbing
// -----------------------------------------------------------------------

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("manager returned %d: %s", e.status, e.body)
}

func newAPIError(resp *http.Response) *apiError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{status: resp.StatusCode, body: string(data)}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.sendJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) patchJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.sendJSON(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("manager request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode manager response: %w", err)
	}
	return nil
}
