package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// TiledJobStorage implements interfaces.TiledJobStorage for Badger.
type TiledJobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTiledJobStorage creates a new TiledJobStorage instance
func NewTiledJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TiledJobStorage {
	return &TiledJobStorage{db: db, logger: logger}
}

func (s *TiledJobStorage) CreateTiledJob(ctx context.Context, tiled *models.TiledJob) error {
	if tiled.ID == "" {
		return fmt.Errorf("tiled job ID is required")
	}
	if err := s.db.Store().Insert(tiled.ID, tiled); err != nil {
		if err == badgerhold.ErrUniqueExists {
			return interfaces.ErrDuplicateName
		}
		return fmt.Errorf("failed to save tiled job: %w", err)
	}
	return nil
}

func (s *TiledJobStorage) GetTiledJob(ctx context.Context, id string) (*models.TiledJob, error) {
	var tiled models.TiledJob
	if err := s.db.Store().Get(id, &tiled); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tiled job: %w", err)
	}
	return &tiled, nil
}

func (s *TiledJobStorage) UpdateTiledJob(ctx context.Context, tiled *models.TiledJob) error {
	if err := s.db.Store().Update(tiled.ID, tiled); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to update tiled job: %w", err)
	}
	return nil
}

func (s *TiledJobStorage) ListTiledJobs(ctx context.Context, projectID string) ([]*models.TiledJob, error) {
	query := badgerhold.Where("Name").Ne("")
	if projectID != "" {
		query = badgerhold.Where("ProjectID").Eq(projectID)
	}

	var tiledJobs []models.TiledJob
	if err := s.db.Store().Find(&tiledJobs, query.SortBy("SubmittedAt")); err != nil {
		return nil, fmt.Errorf("failed to list tiled jobs: %w", err)
	}

	result := make([]*models.TiledJob, len(tiledJobs))
	for i := range tiledJobs {
		result[i] = &tiledJobs[i]
	}
	return result, nil
}

func (s *TiledJobStorage) DeleteTiledJobsByProject(ctx context.Context, projectID string) error {
	if err := s.db.Store().DeleteMatching(&models.TiledJob{}, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return fmt.Errorf("failed to delete project tiled jobs: %w", err)
	}
	return nil
}
