package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// WorkerStorage implements interfaces.WorkerStorage for Badger.
type WorkerStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWorkerStorage creates a new WorkerStorage instance
func NewWorkerStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WorkerStorage {
	return &WorkerStorage{db: db, logger: logger}
}

// UpsertWorker registers or refreshes a worker keyed by hostname.
func (s *WorkerStorage) UpsertWorker(ctx context.Context, worker *models.Worker) (*models.Worker, error) {
	existing, err := s.GetWorkerByHostname(ctx, worker.Hostname)
	if err != nil && err != interfaces.ErrNotFound {
		return nil, err
	}

	now := time.Now()
	if existing != nil {
		existing.IP = worker.IP
		existing.OS = worker.OS
		existing.Capabilities = worker.Capabilities
		existing.LastSeen = now
		existing.IsActive = true
		if err := s.db.Store().Update(existing.ID, existing); err != nil {
			return nil, fmt.Errorf("failed to update worker: %w", err)
		}
		return existing, nil
	}

	worker.LastSeen = now
	worker.RegisteredAt = now
	worker.IsActive = true
	if err := s.db.Store().Insert(badgerhold.NextSequence(), worker); err != nil {
		return nil, fmt.Errorf("failed to insert worker: %w", err)
	}

	s.logger.Info().
		Str("hostname", worker.Hostname).
		Int64("worker_id", int64(worker.ID)).
		Int("cpu_threads", worker.Capabilities.CPUThreads).
		Int("gpus", len(worker.Capabilities.GPUDevices)).
		Msg("Worker registered")

	return worker, nil
}

func (s *WorkerStorage) GetWorker(ctx context.Context, id uint64) (*models.Worker, error) {
	var worker models.Worker
	if err := s.db.Store().Get(id, &worker); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &worker, nil
}

func (s *WorkerStorage) GetWorkerByHostname(ctx context.Context, hostname string) (*models.Worker, error) {
	var worker models.Worker
	err := s.db.Store().FindOne(&worker, badgerhold.Where("Hostname").Eq(hostname))
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find worker: %w", err)
	}
	return &worker, nil
}

// TouchWorker updates last_seen for a hostname-only heartbeat.
func (s *WorkerStorage) TouchWorker(ctx context.Context, hostname string) (*models.Worker, error) {
	worker, err := s.GetWorkerByHostname(ctx, hostname)
	if err != nil {
		return nil, err
	}

	worker.LastSeen = time.Now()
	worker.IsActive = true
	if err := s.db.Store().Update(worker.ID, worker); err != nil {
		return nil, fmt.Errorf("failed to touch worker: %w", err)
	}
	return worker, nil
}

func (s *WorkerStorage) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	var workers []models.Worker
	if err := s.db.Store().Find(&workers, badgerhold.Where("Hostname").Ne("").SortBy("Hostname")); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	result := make([]*models.Worker, len(workers))
	for i := range workers {
		result[i] = &workers[i]
	}
	return result, nil
}

// MarkStaleInactive deactivates workers that have not heartbeated since olderThan.
func (s *WorkerStorage) MarkStaleInactive(ctx context.Context, olderThan time.Time) (int, error) {
	count := 0
	err := s.db.Store().UpdateMatching(&models.Worker{},
		badgerhold.Where("IsActive").Eq(true).And("LastSeen").Lt(olderThan),
		func(record interface{}) error {
			worker, ok := record.(*models.Worker)
			if !ok {
				return fmt.Errorf("unexpected record type %T", record)
			}
			worker.IsActive = false
			count++
			return nil
		})
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale workers: %w", err)
	}
	return count, nil
}
