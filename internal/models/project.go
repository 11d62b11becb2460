package models

import "time"

// Project owns assets, animations, tiled jobs and standalone jobs. Pausing a
// project suppresses dispatch of every job it owns without touching the jobs
// themselves.
type Project struct {
	ID        string    `json:"id" badgerhold:"key"`
	Name      string    `json:"name" badgerhold:"unique"`
	CreatedAt time.Time `json:"created_at"`
	IsPaused  bool      `json:"is_paused"`
}

// Asset is an immutable scene file blob owned by a project. The blob lives
// under the media root keyed by a server-assigned token, never by the
// human-readable name.
type Asset struct {
	ID        string    `json:"id" badgerhold:"key"`
	ProjectID string    `json:"project" badgerhold:"index"`
	Name      string    `json:"name"`
	BlobPath  string    `json:"blob_path"` // relative to the media root
	CreatedAt time.Time `json:"created_at"`
}
