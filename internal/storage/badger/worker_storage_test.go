package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/models"
)

func TestUpsertWorkerByHostname(t *testing.T) {
	db := newTestDB(t)
	storage := NewWorkerStorage(db, arbor.NewLogger())
	ctx := context.Background()

	first, err := storage.UpsertWorker(ctx, &models.Worker{
		Hostname: "render-01",
		IP:       "10.0.0.5",
		OS:       "linux",
		Capabilities: models.WorkerCapabilities{
			CPUThreads: 16,
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.True(t, first.IsActive)
	assert.False(t, first.RegisteredAt.IsZero())

	// Same hostname updates in place instead of creating a second record.
	second, err := storage.UpsertWorker(ctx, &models.Worker{
		Hostname: "render-01",
		IP:       "10.0.0.99",
		OS:       "linux",
		Capabilities: models.WorkerCapabilities{
			CPUThreads: 32,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "10.0.0.99", second.IP)
	assert.Equal(t, 32, second.Capabilities.CPUThreads)

	workers, err := storage.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestTouchWorkerUnknownHostname(t *testing.T) {
	db := newTestDB(t)
	storage := NewWorkerStorage(db, arbor.NewLogger())

	_, err := storage.TouchWorker(context.Background(), "never-registered")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestTouchWorkerRefreshesLastSeen(t *testing.T) {
	db := newTestDB(t)
	storage := NewWorkerStorage(db, arbor.NewLogger())
	ctx := context.Background()

	registered, err := storage.UpsertWorker(ctx, &models.Worker{Hostname: "render-02", OS: "linux"})
	require.NoError(t, err)

	touched, err := storage.TouchWorker(ctx, "render-02")
	require.NoError(t, err)
	assert.True(t, touched.IsActive)
	assert.False(t, touched.LastSeen.Before(registered.LastSeen))
}

func TestMarkStaleInactive(t *testing.T) {
	db := newTestDB(t)
	storage := NewWorkerStorage(db, arbor.NewLogger())
	ctx := context.Background()

	stale, err := storage.UpsertWorker(ctx, &models.Worker{Hostname: "stale-worker", OS: "linux"})
	require.NoError(t, err)
	fresh, err := storage.UpsertWorker(ctx, &models.Worker{Hostname: "fresh-worker", OS: "linux"})
	require.NoError(t, err)

	// Push the stale worker's heartbeat into the past.
	stale.LastSeen = time.Now().Add(-10 * time.Minute)
	require.NoError(t, db.Store().Update(stale.ID, stale))

	count, err := storage.MarkStaleInactive(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := storage.GetWorker(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	got, err = storage.GetWorker(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	// A second sweep finds nothing new.
	count, err = storage.MarkStaleInactive(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
