// -----------------------------------------------------------------------
// Job storage - the conditional claim here is the farm's only
// coordination primitive against duplicate dispatch
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// JobStorage implements interfaces.JobStorage for Badger.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger

	// Badger read-modify-write is not compare-and-set on its own; claims
	// serialize through this mutex so at most one worker wins per job.
	claimMu sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{db: db, logger: logger}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if err := s.db.Store().Insert(badgerhold.NextSequence(), job); err != nil {
		if err == badgerhold.ErrUniqueExists {
			return interfaces.ErrDuplicateName
		}
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id uint64) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	if err := s.db.Store().Update(job.ID, job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// ListJobs returns jobs FIFO by submission time. The worker poll path sets
// Status, UnassignedOnly and GPUAvailable; paused projects are excluded
// unless IncludePaused is set by an administrative read.
func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("Name").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.UnassignedOnly {
			query = query.And("AssignedWorker").IsNil()
		}
		if opts.GPUAvailable != nil {
			if *opts.GPUAvailable {
				// A forced-GPU worker does not process CPU work.
				query = query.And("Device").Ne(models.DeviceCPU)
			} else {
				query = query.And("Device").Ne(models.DeviceGPU)
			}
		}
		if !opts.IncludePaused {
			query = query.And("ProjectPaused").Eq(false)
		}
		if opts.ProjectID != "" {
			query = query.And("ProjectID").Eq(opts.ProjectID)
		}
		// Parent links are pointer fields; match on the record to avoid
		// pointer identity comparison.
		if opts.AnimationID != nil {
			want := *opts.AnimationID
			query = query.And("Name").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
				job, ok := ra.Record().(*models.Job)
				return ok && job.AnimationID != nil && *job.AnimationID == want, nil
			})
		}
		if opts.TiledJobID != nil {
			want := *opts.TiledJobID
			query = query.And("Name").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
				job, ok := ra.Record().(*models.Job)
				return ok && job.TiledJobID != nil && *job.TiledJobID == want, nil
			})
		}
		if opts.FrameID != nil {
			want := *opts.FrameID
			query = query.And("Name").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
				job, ok := ra.Record().(*models.Job)
				return ok && job.AnimationFrameID != nil && *job.AnimationFrameID == want, nil
			})
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query.SortBy("SubmittedAt")); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// ClaimJob atomically assigns a QUEUED, unassigned job to a worker.
func (s *JobStorage) ClaimJob(ctx context.Context, jobID, workerID uint64) (*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != models.JobStatusQueued || job.AssignedWorker != nil {
		return nil, interfaces.ErrClaimConflict
	}

	job.AssignedWorker = &workerID
	if err := s.db.Store().Update(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to persist claim: %w", err)
	}

	s.logger.Debug().
		Int64("job_id", int64(jobID)).
		Int64("worker_id", int64(workerID)).
		Msg("Job claimed")

	return job, nil
}

func (s *JobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) DeleteJobsByProject(ctx context.Context, projectID string) error {
	if err := s.db.Store().DeleteMatching(&models.Job{}, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return fmt.Errorf("failed to delete project jobs: %w", err)
	}
	return nil
}

// ClearWorkerAssignments removes the non-owning reference jobs hold to a
// removed worker; job status is untouched.
func (s *JobStorage) ClearWorkerAssignments(ctx context.Context, workerID uint64) error {
	err := s.db.Store().UpdateMatching(&models.Job{},
		badgerhold.Where("Name").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
			job, ok := ra.Record().(*models.Job)
			return ok && job.AssignedWorker != nil && *job.AssignedWorker == workerID, nil
		}),
		func(record interface{}) error {
			job, ok := record.(*models.Job)
			if !ok {
				return fmt.Errorf("unexpected record type %T", record)
			}
			job.AssignedWorker = nil
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to clear worker assignments: %w", err)
	}
	return nil
}
