// -----------------------------------------------------------------------
// Media store - server-side filesystem layout
//
//	assets/<short-project-id>/<short-uuid>.blend
//	assets/<short-project-id>/outputs/job_<id>/<file>
//	assets/<short-project-id>/outputs/animation_<id>/<file>
//	assets/<short-project-id>/outputs/tiled-job_<short-id>/<file>
//	assets/<short-project-id>/thumbnails/<model>_<pk>_thumbnail.png
//
// -----------------------------------------------------------------------

package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
)

// Store reads and writes blobs under the configured media root. All paths
// it returns are relative to the root; Abs converts for local access.
type Store struct {
	root   string
	logger arbor.ILogger
}

// NewStore creates the media root if needed.
func NewStore(root string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the media root directory.
func (s *Store) Root() string {
	return s.root
}

// Abs resolves a stored relative path to an absolute one.
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join("assets", common.ShortID(projectID))
}

// SaveAsset stores an uploaded scene blob under a server-assigned token,
// never under the human-readable asset name.
func (s *Store) SaveAsset(projectID, token string, r io.Reader) (string, error) {
	rel := filepath.Join(s.projectDir(projectID), token+".blend")
	if err := s.writeStream(rel, r); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// SaveJobOutput stores a rendered artifact uploaded by a worker.
func (s *Store) SaveJobOutput(projectID string, jobID uint64, filename string, r io.Reader) (string, error) {
	rel := filepath.Join(s.projectDir(projectID), "outputs", fmt.Sprintf("job_%d", jobID), filepath.Base(filename))
	if err := s.writeStream(rel, r); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// SaveAnimationOutput stores an assembled animation frame.
func (s *Store) SaveAnimationOutput(projectID string, animationID uint64, filename string, data []byte) (string, error) {
	rel := filepath.Join(s.projectDir(projectID), "outputs", fmt.Sprintf("animation_%d", animationID), filepath.Base(filename))
	if err := s.writeBytes(rel, data); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// SaveTiledJobOutput stores an assembled tiled image.
func (s *Store) SaveTiledJobOutput(projectID, tiledJobID, filename string, data []byte) (string, error) {
	rel := filepath.Join(s.projectDir(projectID), "outputs", "tiled-job_"+common.ShortID(tiledJobID), filepath.Base(filename))
	if err := s.writeBytes(rel, data); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// ThumbnailPath returns the deterministic thumbnail location for an entity.
// Repeated writes for the same entity land on the same path.
func (s *Store) ThumbnailPath(projectID, model, pk string) string {
	rel := filepath.Join(s.projectDir(projectID), "thumbnails", fmt.Sprintf("%s_%s_thumbnail.png", model, pk))
	return filepath.ToSlash(rel)
}

// SaveThumbnail writes thumbnail bytes, removing any prior file first so
// storage backends that de-collide by renaming never leave orphans.
func (s *Store) SaveThumbnail(rel string, data []byte) error {
	abs := s.Abs(rel)
	if _, err := os.Stat(abs); err == nil {
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("failed to remove prior thumbnail: %w", err)
		}
	}
	return s.writeBytes(rel, data)
}

// Open opens a stored blob for reading.
func (s *Store) Open(rel string) (io.ReadCloser, error) {
	f, err := os.Open(s.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to open media file %s: %w", rel, err)
	}
	return f, nil
}

// ReadAll reads a stored blob fully.
func (s *Store) ReadAll(rel string) ([]byte, error) {
	data, err := os.ReadFile(s.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read media file %s: %w", rel, err)
	}
	return data, nil
}

// Remove deletes a stored blob. Missing files are not an error.
func (s *Store) Remove(rel string) error {
	if err := os.Remove(s.Abs(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove media file %s: %w", rel, err)
	}
	return nil
}

// RemoveProject deletes everything a project stored.
func (s *Store) RemoveProject(projectID string) error {
	dir := filepath.Join(s.root, s.projectDir(projectID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove project media: %w", err)
	}
	return nil
}

func (s *Store) writeStream(rel string, r io.Reader) error {
	abs := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}

	f, err := os.Create(abs)
	if err != nil {
		return fmt.Errorf("failed to create media file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write media file: %w", err)
	}
	return nil
}

func (s *Store) writeBytes(rel string, data []byte) error {
	abs := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return fmt.Errorf("failed to write media file: %w", err)
	}
	return nil
}
