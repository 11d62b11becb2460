package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (dashboard event stream)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Projects and assets
	mux.HandleFunc("/api/projects", s.handleProjectsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/projects/", s.handleProjectRoutes) // /{id}, /{id}/pause, /{id}/unpause, /{id}/assets
	mux.HandleFunc("/api/assets", s.handleAssetsRoute)      // GET (list), POST (upload)
	mux.HandleFunc("/api/assets/", s.handleAssetRoutes)     // /{id}, /{id}/download

	// API routes - Jobs (the worker protocol lives here)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute) // GET (list/poll), POST (create)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)

	// API routes - Animations and tiled jobs
	mux.HandleFunc("/api/animations", s.handleAnimationsRoute)
	mux.HandleFunc("/api/animations/", s.handleAnimationRoutes)
	mux.HandleFunc("/api/frames/", s.handleFrameRoutes)
	mux.HandleFunc("/api/tiled-jobs", s.handleTiledJobsRoute)
	mux.HandleFunc("/api/tiled-jobs/", s.handleTiledJobRoutes)

	// API routes - Workers. /api/heartbeat carries registration, pulses
	// and the worker listing; /api/workers keeps the same handlers under
	// the dashboard-facing names.
	mux.HandleFunc("/api/heartbeat", s.handleHeartbeatRoute)
	mux.HandleFunc("/api/workers", s.app.WorkerHandler.ListHandler)
	mux.HandleFunc("/api/workers/heartbeat", s.handleHeartbeatRoute)
	mux.HandleFunc("/api/workers/", s.app.WorkerHandler.GetHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleProjectsRoute routes /api/projects requests (list and create)
func (s *Server) handleProjectsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.ProjectHandler.ListHandler(w, r)
	case "POST":
		s.app.ProjectHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProjectRoutes routes /api/projects/{id} and its subpaths
func (s *Server) handleProjectRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" && strings.HasSuffix(path, "/pause") {
		s.app.ProjectHandler.PauseHandler(w, r)
		return
	}
	if r.Method == "POST" && strings.HasSuffix(path, "/unpause") {
		s.app.ProjectHandler.UnpauseHandler(w, r)
		return
	}
	if strings.HasSuffix(path, "/assets") {
		switch r.Method {
		case "GET":
			s.app.AssetHandler.ListHandler(w, r)
		case "POST":
			s.app.AssetHandler.UploadHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	// /api/projects/{id}
	switch r.Method {
	case "GET":
		s.app.ProjectHandler.GetHandler(w, r)
	case "DELETE":
		s.app.ProjectHandler.DeleteHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAssetsRoute routes /api/assets requests (list and upload)
func (s *Server) handleAssetsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.AssetHandler.ListHandler(w, r)
	case "POST":
		s.app.AssetHandler.UploadHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAssetRoutes routes /api/assets/{id} and /api/assets/{id}/download
func (s *Server) handleAssetRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" && strings.HasSuffix(r.URL.Path, "/download") {
		s.app.AssetHandler.DownloadHandler(w, r)
		return
	}

	switch r.Method {
	case "GET":
		s.app.AssetHandler.GetHandler(w, r)
	case "DELETE":
		s.app.AssetHandler.DeleteHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsRoute routes /api/jobs requests (list/poll and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.JobHandler.ListHandler(w, r)
	case "POST":
		s.app.JobHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" && strings.HasSuffix(path, "/cancel") {
		s.app.JobHandler.CancelHandler(w, r)
		return
	}
	if r.Method == "POST" && strings.HasSuffix(path, "/upload_output") {
		s.app.JobHandler.UploadOutputHandler(w, r)
		return
	}
	if r.Method == "GET" && strings.HasSuffix(path, "/output") {
		s.app.JobHandler.DownloadOutputHandler(w, r)
		return
	}

	// /api/jobs/{id}
	switch r.Method {
	case "GET":
		s.app.JobHandler.GetHandler(w, r)
	case "PATCH":
		s.app.JobHandler.PatchHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAnimationsRoute routes /api/animations requests (list and create)
func (s *Server) handleAnimationsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.AnimationHandler.ListHandler(w, r)
	case "POST":
		s.app.AnimationHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAnimationRoutes routes /api/animations/{id} and its subpaths
func (s *Server) handleAnimationRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" && strings.HasSuffix(path, "/cancel") {
		s.app.AnimationHandler.CancelHandler(w, r)
		return
	}
	if r.Method == "GET" && strings.HasSuffix(path, "/frames") {
		s.app.AnimationHandler.ListFramesHandler(w, r)
		return
	}

	if r.Method == "GET" {
		s.app.AnimationHandler.GetHandler(w, r)
		return
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleFrameRoutes routes /api/frames/{id}/output
func (s *Server) handleFrameRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" && strings.HasSuffix(r.URL.Path, "/output") {
		s.app.AnimationHandler.FrameOutputHandler(w, r)
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}

// handleTiledJobsRoute routes /api/tiled-jobs requests (list and create)
func (s *Server) handleTiledJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.TiledJobHandler.ListHandler(w, r)
	case "POST":
		s.app.TiledJobHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTiledJobRoutes routes /api/tiled-jobs/{id} and its subpaths
func (s *Server) handleTiledJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" && strings.HasSuffix(path, "/cancel") {
		s.app.TiledJobHandler.CancelHandler(w, r)
		return
	}
	if r.Method == "GET" && strings.HasSuffix(path, "/output") {
		s.app.TiledJobHandler.DownloadOutputHandler(w, r)
		return
	}

	if r.Method == "GET" {
		s.app.TiledJobHandler.GetHandler(w, r)
		return
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleHeartbeatRoute routes /api/heartbeat (and its /api/workers alias):
// POST registers or pulses, GET lists the known workers.
func (s *Server) handleHeartbeatRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.WorkerHandler.ListHandler(w, r)
	case "POST":
		s.app.WorkerHandler.HeartbeatHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
