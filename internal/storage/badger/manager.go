package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/interfaces"
)

// Manager aggregates the entity stores over one Badger connection.
type Manager struct {
	db     *BadgerDB
	logger arbor.ILogger

	projects   interfaces.ProjectStorage
	assets     interfaces.AssetStorage
	workers    interfaces.WorkerStorage
	jobs       interfaces.JobStorage
	animations interfaces.AnimationStorage
	frames     interfaces.FrameStorage
	tiledJobs  interfaces.TiledJobStorage
}

// NewManager opens the database and wires up the per-entity stores.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize badger: %w", err)
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}
	m.projects = NewProjectStorage(db, logger)
	m.assets = NewAssetStorage(db, logger)
	m.workers = NewWorkerStorage(db, logger)
	m.jobs = NewJobStorage(db, logger)
	m.animations = NewAnimationStorage(db, logger)
	m.frames = NewFrameStorage(db, logger)
	m.tiledJobs = NewTiledJobStorage(db, logger)

	return m, nil
}

func (m *Manager) ProjectStorage() interfaces.ProjectStorage     { return m.projects }
func (m *Manager) AssetStorage() interfaces.AssetStorage         { return m.assets }
func (m *Manager) WorkerStorage() interfaces.WorkerStorage       { return m.workers }
func (m *Manager) JobStorage() interfaces.JobStorage             { return m.jobs }
func (m *Manager) AnimationStorage() interfaces.AnimationStorage { return m.animations }
func (m *Manager) FrameStorage() interfaces.FrameStorage         { return m.frames }
func (m *Manager) TiledJobStorage() interfaces.TiledJobStorage   { return m.tiledJobs }

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}
