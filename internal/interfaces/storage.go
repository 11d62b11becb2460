package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/renderbarn/renderbarn/internal/models"
)

// Sentinel errors mapped to HTTP status codes at the handler boundary.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when a conditional claim loses the race:
	// the job is no longer QUEUED or already has an assigned worker.
	ErrClaimConflict = errors.New("job already claimed")
	// ErrDuplicateName is returned when a unique name constraint is violated.
	ErrDuplicateName = errors.New("name already in use")
	// ErrAssetInUse is returned when deleting an asset that is still
	// referenced by a job, animation or tiled job.
	ErrAssetInUse = errors.New("asset is referenced by existing work")
)

// JobListOptions filters the job list query. The worker poll sets Status,
// UnassignedOnly and GPUAvailable; administrative reads leave GPUAvailable
// nil for no device filter.
type JobListOptions struct {
	Status         models.JobStatus
	UnassignedOnly bool
	GPUAvailable   *bool // true: exclude CPU jobs; false: exclude GPU jobs; nil: no filter
	ProjectID      string
	AnimationID    *uint64
	TiledJobID     *string
	FrameID        *uint64
	IncludePaused  bool // administrative reads only; the worker poll never sets this
	Limit          int
	Offset         int
}

// ProjectStorage persists projects.
type ProjectStorage interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	// SetPaused flips the pause gate and rewrites the denormalized
	// ProjectPaused flag on every job owned by the project.
	SetPaused(ctx context.Context, id string, paused bool) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// AssetStorage persists asset metadata. Blob bytes live in the media store.
type AssetStorage interface {
	CreateAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	ListAssets(ctx context.Context, projectID string) ([]*models.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
}

// WorkerStorage persists worker registrations.
type WorkerStorage interface {
	// UpsertWorker registers or refreshes a worker keyed by hostname and
	// returns the stored record.
	UpsertWorker(ctx context.Context, worker *models.Worker) (*models.Worker, error)
	GetWorker(ctx context.Context, id uint64) (*models.Worker, error)
	GetWorkerByHostname(ctx context.Context, hostname string) (*models.Worker, error)
	// TouchWorker updates last_seen for a hostname-only heartbeat.
	// Returns ErrNotFound for unknown hostnames so the worker re-registers.
	TouchWorker(ctx context.Context, hostname string) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
	// MarkStaleInactive deactivates workers whose last_seen is older than
	// the threshold and returns how many were flipped.
	MarkStaleInactive(ctx context.Context, olderThan time.Time) (int, error)
}

// JobStorage persists atomic jobs. The conditional claim is the sole
// concurrency primitive preventing duplicate dispatch.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uint64) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	// ClaimJob atomically assigns a QUEUED, unassigned job to a worker.
	// Returns ErrClaimConflict if another worker won.
	ClaimJob(ctx context.Context, jobID, workerID uint64) (*models.Job, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	DeleteJobsByProject(ctx context.Context, projectID string) error
	// ClearWorkerAssignments removes the non-owning worker reference from
	// jobs claimed by a removed worker without touching their status.
	ClearWorkerAssignments(ctx context.Context, workerID uint64) error
}

// AnimationStorage persists animation parents.
type AnimationStorage interface {
	CreateAnimation(ctx context.Context, animation *models.Animation) error
	GetAnimation(ctx context.Context, id uint64) (*models.Animation, error)
	UpdateAnimation(ctx context.Context, animation *models.Animation) error
	ListAnimations(ctx context.Context, projectID string) ([]*models.Animation, error)
	DeleteAnimationsByProject(ctx context.Context, projectID string) error
}

// FrameStorage persists tiled-animation frame containers.
type FrameStorage interface {
	CreateFrame(ctx context.Context, frame *models.AnimationFrame) error
	GetFrame(ctx context.Context, id uint64) (*models.AnimationFrame, error)
	UpdateFrame(ctx context.Context, frame *models.AnimationFrame) error
	ListFrames(ctx context.Context, animationID uint64) ([]*models.AnimationFrame, error)
	DeleteFramesByAnimation(ctx context.Context, animationID uint64) error
}

// TiledJobStorage persists single-image tiled renders.
type TiledJobStorage interface {
	CreateTiledJob(ctx context.Context, tiled *models.TiledJob) error
	GetTiledJob(ctx context.Context, id string) (*models.TiledJob, error)
	UpdateTiledJob(ctx context.Context, tiled *models.TiledJob) error
	ListTiledJobs(ctx context.Context, projectID string) ([]*models.TiledJob, error)
	DeleteTiledJobsByProject(ctx context.Context, projectID string) error
}

// StorageManager aggregates the entity stores over one database connection.
type StorageManager interface {
	ProjectStorage() ProjectStorage
	AssetStorage() AssetStorage
	WorkerStorage() WorkerStorage
	JobStorage() JobStorage
	AnimationStorage() AnimationStorage
	FrameStorage() FrameStorage
	TiledJobStorage() TiledJobStorage
	Close() error
}
