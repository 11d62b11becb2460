package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
)

// AssetCache keeps downloaded scene files on local disk so repeated jobs
// against the same asset skip the transfer. Entries are keyed by asset ID;
// a re-uploaded scene gets a new asset ID, so entries never go stale.
type AssetCache struct {
	dir    string
	client *Client
	logger arbor.ILogger

	mu       sync.Mutex
	inflight map[string]*sync.WaitGroup
}

// NewAssetCache creates the cache directory if needed.
func NewAssetCache(dir string, client *Client, logger arbor.ILogger) (*AssetCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &AssetCache{
		dir:      dir,
		client:   client,
		logger:   logger,
		inflight: make(map[string]*sync.WaitGroup),
	}, nil
}

// Fetch returns the local path of the scene file, downloading it on a
// cache miss. Concurrent fetches of the same asset share one download.
func (c *AssetCache) Fetch(ctx context.Context, assetID string) (string, error) {
	path := filepath.Join(c.dir, assetID+".blend")

	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}

		c.mu.Lock()
		if wg, ok := c.inflight[assetID]; ok {
			c.mu.Unlock()
			wg.Wait()
			continue // re-check the cache; the other fetch may have failed
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		c.inflight[assetID] = wg
		c.mu.Unlock()

		err := c.client.DownloadAsset(ctx, assetID, path)

		c.mu.Lock()
		delete(c.inflight, assetID)
		c.mu.Unlock()
		wg.Done()

		if err != nil {
			return "", err
		}

		c.logger.Info().Str("asset_id", assetID).Str("path", path).Msg("Asset cached")
		return path, nil
	}
}

// Evict removes a cached scene file.
func (c *AssetCache) Evict(assetID string) error {
	err := os.Remove(filepath.Join(c.dir, assetID+".blend"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
