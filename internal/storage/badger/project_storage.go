package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// ProjectStorage implements interfaces.ProjectStorage for Badger.
type ProjectStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewProjectStorage creates a new ProjectStorage instance
func NewProjectStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ProjectStorage {
	return &ProjectStorage{db: db, logger: logger}
}

func (s *ProjectStorage) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		return fmt.Errorf("project ID is required")
	}
	if err := s.db.Store().Insert(project.ID, project); err != nil {
		if err == badgerhold.ErrUniqueExists {
			return interfaces.ErrDuplicateName
		}
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

func (s *ProjectStorage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project
	if err := s.db.Store().Get(id, &project); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

func (s *ProjectStorage) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []models.Project
	if err := s.db.Store().Find(&projects, badgerhold.Where("ID").Ne("").SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	result := make([]*models.Project, len(projects))
	for i := range projects {
		result[i] = &projects[i]
	}
	return result, nil
}

// SetPaused flips the project gate and rewrites the denormalized pause flag
// on every owned job so the worker poll stays a single indexed query.
func (s *ProjectStorage) SetPaused(ctx context.Context, id string, paused bool) (*models.Project, error) {
	var project models.Project
	if err := s.db.Store().Get(id, &project); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	project.IsPaused = paused
	if err := s.db.Store().Update(id, &project); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}

	err := s.db.Store().UpdateMatching(&models.Job{}, badgerhold.Where("ProjectID").Eq(id), func(record interface{}) error {
		job, ok := record.(*models.Job)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		job.ProjectPaused = paused
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to propagate pause flag: %w", err)
	}

	s.logger.Info().Str("project_id", id).Bool("paused", paused).Msg("Project pause gate updated")
	return &project, nil
}

func (s *ProjectStorage) DeleteProject(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Project{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}
