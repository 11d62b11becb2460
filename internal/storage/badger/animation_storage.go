package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// AnimationStorage implements interfaces.AnimationStorage for Badger.
type AnimationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAnimationStorage creates a new AnimationStorage instance
func NewAnimationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AnimationStorage {
	return &AnimationStorage{db: db, logger: logger}
}

func (s *AnimationStorage) CreateAnimation(ctx context.Context, animation *models.Animation) error {
	if animation.Name == "" {
		return fmt.Errorf("animation name is required")
	}
	if err := s.db.Store().Insert(badgerhold.NextSequence(), animation); err != nil {
		if err == badgerhold.ErrUniqueExists {
			return interfaces.ErrDuplicateName
		}
		return fmt.Errorf("failed to save animation: %w", err)
	}
	return nil
}

func (s *AnimationStorage) GetAnimation(ctx context.Context, id uint64) (*models.Animation, error) {
	var animation models.Animation
	if err := s.db.Store().Get(id, &animation); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get animation: %w", err)
	}
	return &animation, nil
}

func (s *AnimationStorage) UpdateAnimation(ctx context.Context, animation *models.Animation) error {
	if err := s.db.Store().Update(animation.ID, animation); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to update animation: %w", err)
	}
	return nil
}

func (s *AnimationStorage) ListAnimations(ctx context.Context, projectID string) ([]*models.Animation, error) {
	query := badgerhold.Where("Name").Ne("")
	if projectID != "" {
		query = badgerhold.Where("ProjectID").Eq(projectID)
	}

	var animations []models.Animation
	if err := s.db.Store().Find(&animations, query.SortBy("SubmittedAt")); err != nil {
		return nil, fmt.Errorf("failed to list animations: %w", err)
	}

	result := make([]*models.Animation, len(animations))
	for i := range animations {
		result[i] = &animations[i]
	}
	return result, nil
}

func (s *AnimationStorage) DeleteAnimationsByProject(ctx context.Context, projectID string) error {
	if err := s.db.Store().DeleteMatching(&models.Animation{}, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return fmt.Errorf("failed to delete project animations: %w", err)
	}
	return nil
}

// FrameStorage implements interfaces.FrameStorage for Badger.
type FrameStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewFrameStorage creates a new FrameStorage instance
func NewFrameStorage(db *BadgerDB, logger arbor.ILogger) interfaces.FrameStorage {
	return &FrameStorage{db: db, logger: logger}
}

func (s *FrameStorage) CreateFrame(ctx context.Context, frame *models.AnimationFrame) error {
	if err := s.db.Store().Insert(badgerhold.NextSequence(), frame); err != nil {
		return fmt.Errorf("failed to save animation frame: %w", err)
	}
	return nil
}

func (s *FrameStorage) GetFrame(ctx context.Context, id uint64) (*models.AnimationFrame, error) {
	var frame models.AnimationFrame
	if err := s.db.Store().Get(id, &frame); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get animation frame: %w", err)
	}
	return &frame, nil
}

func (s *FrameStorage) UpdateFrame(ctx context.Context, frame *models.AnimationFrame) error {
	if err := s.db.Store().Update(frame.ID, frame); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to update animation frame: %w", err)
	}
	return nil
}

func (s *FrameStorage) ListFrames(ctx context.Context, animationID uint64) ([]*models.AnimationFrame, error) {
	var frames []models.AnimationFrame
	if err := s.db.Store().Find(&frames, badgerhold.Where("AnimationID").Eq(animationID).SortBy("FrameNumber")); err != nil {
		return nil, fmt.Errorf("failed to list animation frames: %w", err)
	}

	result := make([]*models.AnimationFrame, len(frames))
	for i := range frames {
		result[i] = &frames[i]
	}
	return result, nil
}

func (s *FrameStorage) DeleteFramesByAnimation(ctx context.Context, animationID uint64) error {
	if err := s.db.Store().DeleteMatching(&models.AnimationFrame{}, badgerhold.Where("AnimationID").Eq(animationID)); err != nil {
		return fmt.Errorf("failed to delete animation frames: %w", err)
	}
	return nil
}
