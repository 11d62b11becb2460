package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

// AssetStorage implements interfaces.AssetStorage for Badger.
type AssetStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAssetStorage creates a new AssetStorage instance
func NewAssetStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AssetStorage {
	return &AssetStorage{db: db, logger: logger}
}

func (s *AssetStorage) CreateAsset(ctx context.Context, asset *models.Asset) error {
	if asset.ID == "" {
		return fmt.Errorf("asset ID is required")
	}

	// Asset names are unique per project, not globally.
	count, err := s.db.Store().Count(&models.Asset{},
		badgerhold.Where("ProjectID").Eq(asset.ProjectID).And("Name").Eq(asset.Name))
	if err != nil {
		return fmt.Errorf("failed to check asset name: %w", err)
	}
	if count > 0 {
		return interfaces.ErrDuplicateName
	}

	if err := s.db.Store().Insert(asset.ID, asset); err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

func (s *AssetStorage) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	var asset models.Asset
	if err := s.db.Store().Get(id, &asset); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &asset, nil
}

func (s *AssetStorage) ListAssets(ctx context.Context, projectID string) ([]*models.Asset, error) {
	query := badgerhold.Where("ID").Ne("")
	if projectID != "" {
		query = badgerhold.Where("ProjectID").Eq(projectID)
	}

	var assets []models.Asset
	if err := s.db.Store().Find(&assets, query.SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	result := make([]*models.Asset, len(assets))
	for i := range assets {
		result[i] = &assets[i]
	}
	return result, nil
}

// DeleteAsset refuses to delete an asset that is still referenced by any
// job, animation or tiled job.
func (s *AssetStorage) DeleteAsset(ctx context.Context, id string) error {
	jobCount, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("AssetID").Eq(id))
	if err != nil {
		return fmt.Errorf("failed to count referencing jobs: %w", err)
	}
	animCount, err := s.db.Store().Count(&models.Animation{}, badgerhold.Where("AssetID").Eq(id))
	if err != nil {
		return fmt.Errorf("failed to count referencing animations: %w", err)
	}
	tiledCount, err := s.db.Store().Count(&models.TiledJob{}, badgerhold.Where("AssetID").Eq(id))
	if err != nil {
		return fmt.Errorf("failed to count referencing tiled jobs: %w", err)
	}
	if jobCount+animCount+tiledCount > 0 {
		return interfaces.ErrAssetInUse
	}

	if err := s.db.Store().Delete(id, &models.Asset{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return nil
}
