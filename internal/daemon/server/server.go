// Package server provides the HTTP server for the crystal daemon.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/jeffjacobsen/crystal/errors"
	"github.com/jeffjacobsen/crystal/git"
	"github.com/jeffjacobsen/crystal/internal/store"
)

// RunningConfig is the active configuration exposed via /api/status so
// clients can verify what the daemon is running with.
type RunningConfig struct {
	AgentCommand   string        `json:"agent_command"`
	SilenceTimeout time.Duration `json:"silence_timeout"`
	TotalTimeout   time.Duration `json:"total_timeout"`
	MaxConcurrent  int           `json:"max_concurrent"`
	StartedAt      time.Time     `json:"started_at"`
}

// Server manages the daemon's HTTP server over a Unix socket.
type Server struct {
	logger        *logrus.Entry
	server        *http.Server
	store         *store.Store
	worktrees     *git.Manager
	runningConfig *RunningConfig
}

// New creates a new Server instance.
func New(st *store.Store, wt *git.Manager, logger *logrus.Entry) *Server {
	return &Server{
		logger:    logger,
		store:     st,
		worktrees: wt,
	}
}

// SetRunningConfig sets the configuration reported by /api/status.
func (s *Server) SetRunningConfig(cfg *RunningConfig) {
	s.runningConfig = cfg
}

// ListenAndServe starts the daemon on the given unix socket path.
// It blocks until the server stops or fails.
func (s *Server) ListenAndServe(socketPath string) error {
	// Cleanup stale socket
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Set restrictive permissions on socket
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.server = &http.Server{
		Handler: h2c.NewHandler(s.Handler(), &http2.Server{}),
	}

	s.logger.WithField("socket", socketPath).Info("Daemon listening")
	return s.server.Serve(listener)
}

// Handler returns the API routes. Split out so tests can drive the API
// without a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/project", s.handleGetProject)
	mux.HandleFunc("PUT /api/project", s.handleSetProject)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handlePatchSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleArchiveSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("POST /api/sessions/{id}/continue", s.handleContinueSession)
	mux.HandleFunc("GET /api/sessions/{id}/output", s.handleGetOutput)
	mux.HandleFunc("POST /api/sessions/{id}/script", s.handleRunScript)
	mux.HandleFunc("DELETE /api/script", s.handleStopScript)

	mux.HandleFunc("GET /api/worktrees", s.handleListWorktrees)
	mux.HandleFunc("GET /api/branches", s.handleListBranches)
	mux.HandleFunc("GET /api/events", s.handleStreamEvents)

	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.runningConfig == nil {
		http.Error(w, "config not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.runningConfig)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"repo_path": s.store.ActiveProject()})
}

func (s *Server) handleSetProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoPath string `json:"repo_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !git.IsGitRepo(req.RepoPath) {
		s.writeError(w, errors.NotARepository(req.RepoPath))
		return
	}
	s.store.SetActiveProject(req.RepoPath)
	s.logger.WithField("repo", req.RepoPath).Info("Active project set")
	writeJSON(w, http.StatusOK, map[string]string{"repo_path": req.RepoPath})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Prompt     string `json:"prompt"`
		RepoPath   string `json:"repo_path,omitempty"`
		BaseBranch string `json:"base_branch,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	view, err := s.store.Launch(r.Context(), store.LaunchRequest{
		Name:       req.Name,
		Prompt:     req.Prompt,
		RepoPath:   req.RepoPath,
		BaseBranch: req.BaseBranch,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handlePatchSession applies partial updates: rename and mark-viewed.
func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name   *string `json:"name,omitempty"`
		Viewed bool    `json:"viewed,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name != nil {
		if err := s.store.Rename(r.Context(), id, *req.Name); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Viewed {
		if err := s.store.MarkViewed(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
	}
	view, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Archive(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Stop(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.Continue(r.Context(), r.PathValue("id"), req.Prompt); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	records, err := s.store.Outputs(r.PathValue("id"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command []string `json:"command"`
		Cwd     string   `json:"cwd,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.RunScript(r.Context(), r.PathValue("id"), req.Command, req.Cwd); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopScript(w http.ResponseWriter, r *http.Request) {
	if err := s.store.StopScript(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) repoFromQuery(r *http.Request) (string, error) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		repo = s.store.ActiveProject()
	}
	if repo == "" {
		return "", errors.NoActiveProject()
	}
	return repo, nil
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoFromQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	worktrees, err := s.worktrees.List(r.Context(), repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worktrees)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repoFromQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	branches, err := s.worktrees.ListBranches(r.Context(), repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

// handleStreamEvents provides Server-Sent Events (SSE) for real-time store
// updates. Clients subscribe here to follow session and output changes.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.store.Bus().Subscribe()
	defer s.store.Bus().Unsubscribe(ch)

	// Initial ping confirms the connection before any event arrives.
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Debug("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.WithError(err).Error("Failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps typed error codes onto HTTP statuses and renders the
// error body as JSON.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeSessionNotFound, errors.ErrCodeWorktreeNotFound, errors.ErrCodeConfigNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeSessionConflict, errors.ErrCodeAllocationConflict, errors.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case errors.ErrCodeInvalidInput, errors.ErrCodeNotARepository, errors.ErrCodeConfigInvalid:
		status = http.StatusBadRequest
	case errors.ErrCodeNoActiveProject, errors.ErrCodePreconditionFailed:
		status = http.StatusPreconditionFailed
	case errors.ErrCodeProcessTimeout, errors.ErrCodeCommandTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var payload any
	if ce, ok := err.(*errors.CrystalError); ok {
		payload = map[string]any{"error": ce}
	} else {
		payload = map[string]any{"error": map[string]string{"message": err.Error()}}
	}
	json.NewEncoder(w).Encode(payload)
}
