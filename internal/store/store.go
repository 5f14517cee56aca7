package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/config"
	"github.com/jeffjacobsen/crystal/errors"
	"github.com/jeffjacobsen/crystal/git"
	"github.com/jeffjacobsen/crystal/internal/db"
	"github.com/jeffjacobsen/crystal/internal/limiter"
	"github.com/jeffjacobsen/crystal/internal/runner"
)

// Store is the authoritative session registry. It owns the state machine,
// persists every mutation, and publishes typed events on its Bus. The
// store-level lock only guards the session map; per-session state is
// guarded by each session's own mutex so sessions never serialize on
// each other.
type Store struct {
	db     *db.DB
	bus    *Bus
	wt     *git.Manager
	runner *runner.Runner
	lim    *limiter.Limiter
	agent  config.AgentConfig
	log    *logrus.Entry

	mu         sync.RWMutex
	sessions   map[string]*Session
	activeRepo string

	script scriptSlot
}

// Options wires the store's collaborators.
type Options struct {
	DB       *db.DB
	Bus      *Bus
	Worktree *git.Manager
	Runner   *runner.Runner
	Limiter  *limiter.Limiter
	Agent    config.AgentConfig
	Logger   *logrus.Entry
}

func New(opts Options) *Store {
	return &Store{
		db:       opts.DB,
		bus:      opts.Bus,
		wt:       opts.Worktree,
		runner:   opts.Runner,
		lim:      opts.Limiter,
		agent:    opts.Agent,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// Bus returns the store's event bus.
func (s *Store) Bus() *Bus {
	return s.bus
}

// SetActiveProject records the repository new sessions default to.
func (s *Store) SetActiveProject(repoPath string) {
	s.mu.Lock()
	s.activeRepo = repoPath
	s.mu.Unlock()
}

// ActiveProject returns the current default repository, or "".
func (s *Store) ActiveProject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRepo
}

// Restore loads non-archived sessions from the database at startup. A run
// does not survive the daemon, so sessions persisted mid-run come back as
// stopped; housekeeping flags any process the old daemon left behind.
func (s *Store) Restore(ctx context.Context) error {
	rows, err := s.db.ListSessions(ctx, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		sess := sessionFromRow(row)
		if !Status(row.Status).Terminal() {
			sess.status = StatusStopped
			sess.lastError = "interrupted by daemon restart"
			if err := s.db.UpdateSession(ctx, rowFromSession(sess, false)); err != nil {
				return err
			}
		}
		outputs, err := s.db.GetOutputs(ctx, row.ID)
		if err != nil {
			return err
		}
		for _, out := range outputs {
			sess.outputs = append(sess.outputs, OutputRecord{
				Seq:     out.Seq,
				Kind:    OutputKind(out.Kind),
				Payload: out.Payload,
				At:      out.CreatedAt,
			})
		}
		s.sessions[row.ID] = sess
	}
	s.log.WithField("count", len(rows)).Info("Restored sessions")
	return nil
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ID           string
	Name         string
	Prompt       string
	RepoPath     string
	WorktreePath string
	Branch       string
}

// Create registers a session in initializing state. It does not allocate a
// working copy or spawn anything; Launch orchestrates the full path.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*View, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "session name must not be empty")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	sess := &Session{
		id:           id,
		name:         name,
		prompt:       req.Prompt,
		repoPath:     req.RepoPath,
		worktreePath: req.WorktreePath,
		branch:       req.Branch,
		status:       StatusInitializing,
		createdAt:    now,
		lastActivity: now,
	}
	if err := s.db.InsertSession(ctx, rowFromSession(sess, false)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrCodeSessionConflict, fmt.Sprintf("session %s already exists", id))
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"session": id, "name": name}).Info("Session created")
	return sess.snapshot(), nil
}

// LaunchRequest describes a full session launch: allocate a working copy,
// register the session, and start the agent.
type LaunchRequest struct {
	Name       string
	Prompt     string
	RepoPath   string
	BaseBranch string
}

// Launch is the orchestrated creation path. The working copy allocation
// runs under a concurrency slot and the repository's path lock; the agent
// start queues for its own slot afterwards.
func (s *Store) Launch(ctx context.Context, req LaunchRequest) (*View, error) {
	repoPath := req.RepoPath
	if repoPath == "" {
		repoPath = s.ActiveProject()
	}
	if repoPath == "" {
		return nil, errors.NoActiveProject()
	}

	var worktreePath, branch string
	err := s.lim.WithSlot(ctx, func() error {
		return s.lim.WithPath(ctx, repoPath, func() error {
			var err error
			worktreePath, branch, err = s.wt.Allocate(ctx, repoPath, req.Name, req.BaseBranch)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	view, err := s.Create(ctx, CreateRequest{
		Name:         req.Name,
		Prompt:       req.Prompt,
		RepoPath:     repoPath,
		WorktreePath: worktreePath,
		Branch:       branch,
	})
	if err != nil {
		releaseErr := s.wt.Release(ctx, repoPath, worktreePath)
		if releaseErr != nil {
			s.log.WithError(releaseErr).Warn("Failed to release working copy after create failure")
		}
		return nil, err
	}

	if err := s.db.InsertWorktree(ctx, &db.WorktreeRow{
		Path:      worktreePath,
		Branch:    branch,
		RepoPath:  repoPath,
		SessionID: view.ID,
		CreatedAt: time.Now(),
	}); err != nil {
		s.log.WithError(err).Warn("Failed to persist worktree binding")
	}

	s.bus.Publish(Event{Type: EventSessionCreated, SessionID: view.ID, Session: view})

	if err := s.StartAgent(ctx, view.ID, req.Prompt); err != nil {
		return s.Get(view.ID)
	}
	return s.Get(view.ID)
}

func (s *Store) lookup(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return sess, nil
}

// Get returns a snapshot of one session.
func (s *Store) Get(id string) (*View, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.snapshot(), nil
}

// List returns snapshots of all live sessions ordered by creation time.
func (s *Store) List() []*View {
	s.mu.RLock()
	views := make([]*View, 0, len(s.sessions))
	for _, sess := range s.sessions {
		views = append(views, sess.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Outputs returns a session's output records with Seq greater than since.
// Pass since 0 for the full history.
func (s *Store) Outputs(id string, since int) ([]OutputRecord, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]OutputRecord, 0, len(sess.outputs))
	for _, rec := range sess.outputs {
		if rec.Seq > since {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateStatus applies a status transition. A completed status is persisted
// as stopped plus a completion timestamp; whether it reads back as completed
// or completed_unviewed depends on the last-viewed timestamp.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status, lastError string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	from := sess.effectiveStatusLocked()
	if !from.CanTransition(to) {
		sess.mu.Unlock()
		return errors.InvalidTransition(string(from), string(to))
	}
	now := time.Now()
	switch to {
	case StatusCompleted, StatusCompletedUnviewed:
		sess.status = StatusStopped
		sess.completedAt = &now
	case StatusInitializing:
		sess.status = StatusInitializing
		sess.completedAt = nil
	default:
		sess.status = to
	}
	sess.lastError = lastError
	sess.lastActivity = now
	if err := s.db.UpdateSession(ctx, rowFromSession(sess, false)); err != nil {
		sess.mu.Unlock()
		return err
	}
	view := sess.snapshotLocked()
	sess.mu.Unlock()

	s.log.WithFields(logrus.Fields{"session": id, "from": from, "to": to}).Debug("Status transition")
	s.bus.Publish(Event{Type: EventSessionUpdated, SessionID: id, Session: view})
	return nil
}

// MarkViewed stamps the session as viewed now. A completed_unviewed session
// reads back as completed afterwards; a viewed timestamp equal to the
// completion timestamp already counts as viewed.
func (s *Store) MarkViewed(ctx context.Context, id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	now := time.Now()
	sess.lastViewedAt = &now
	if err := s.db.UpdateSession(ctx, rowFromSession(sess, false)); err != nil {
		sess.mu.Unlock()
		return err
	}
	view := sess.snapshotLocked()
	sess.mu.Unlock()
	s.bus.Publish(Event{Type: EventSessionUpdated, SessionID: id, Session: view})
	return nil
}

// Rename changes a session's display name.
func (s *Store) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New(errors.ErrCodeInvalidInput, "session name must not be empty")
	}
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.name = name
	if err := s.db.UpdateSession(ctx, rowFromSession(sess, false)); err != nil {
		sess.mu.Unlock()
		return err
	}
	view := sess.snapshotLocked()
	sess.mu.Unlock()
	s.bus.Publish(Event{Type: EventSessionUpdated, SessionID: id, Session: view})
	return nil
}

// AppendOutput persists one output record and publishes both the record
// itself and a lightweight output-available signal. Records for a session
// are sequenced in arrival order under the session's lock, so indices are
// gap-free and strictly increasing.
func (s *Store) AppendOutput(ctx context.Context, id string, kind OutputKind, payload string) (int, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	now := time.Now()
	seq, err := s.db.AppendOutput(ctx, id, string(kind), payload, now)
	if err != nil {
		sess.mu.Unlock()
		return 0, err
	}
	rec := OutputRecord{Seq: seq, Kind: kind, Payload: payload, At: now}
	sess.outputs = append(sess.outputs, rec)
	sess.lastActivity = now
	sess.mu.Unlock()

	s.bus.Publish(Event{Type: EventOutputAppended, SessionID: id, Record: &rec})
	s.bus.Publish(Event{Type: EventOutputAvailable, SessionID: id})
	return seq, nil
}

// Archive tears a session down: cancels any live run, releases the working
// copy, and marks the row archived. Safe to call twice; the second call is
// a no-op. Teardown never blocks indefinitely on an unresponsive child.
func (s *Store) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		row, err := s.db.GetSession(ctx, id)
		if err == nil && row.Archived {
			return nil
		}
		return errors.SessionNotFound(id)
	}

	sess.mu.Lock()
	run := sess.run
	repoPath, worktreePath := sess.repoPath, sess.worktreePath
	if !sess.effectiveStatusLocked().Terminal() {
		sess.status = StatusStopped
	}
	sess.mu.Unlock()

	if run != nil {
		run.Cancel()
		select {
		case <-run.Done():
		case <-time.After(s.agent.KillGracePeriod.Std() + 2*time.Second):
			s.log.WithField("session", id).Warn("Run did not exit within grace period during archive")
		}
	}

	if worktreePath != "" {
		err := s.lim.WithPath(ctx, repoPath, func() error {
			return s.wt.Release(ctx, repoPath, worktreePath)
		})
		if err != nil {
			s.log.WithError(err).WithField("session", id).Warn("Failed to release working copy")
		}
		if err := s.db.DeleteWorktree(ctx, worktreePath); err != nil {
			s.log.WithError(err).Warn("Failed to delete worktree binding")
		}
	}

	sess.mu.Lock()
	err := s.db.UpdateSession(ctx, rowFromSession(sess, true))
	sess.mu.Unlock()
	if err != nil {
		return err
	}

	s.log.WithField("session", id).Info("Session archived")
	s.bus.Publish(Event{Type: EventSessionDeleted, SessionID: id})
	return nil
}

// LivePIDs returns the process IDs of every running agent.
func (s *Store) LivePIDs() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := make(map[int]string)
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if sess.run != nil {
			pids[sess.run.PID()] = id
		}
		sess.mu.Unlock()
	}
	return pids
}

// Close cancels all live runs and the script slot.
func (s *Store) Close() {
	if err := s.StopScript(); err != nil {
		s.log.WithError(err).Debug("Stopping script during shutdown")
	}
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()
	for _, sess := range sessions {
		sess.mu.Lock()
		run := sess.run
		sess.mu.Unlock()
		if run != nil {
			run.Cancel()
			<-run.Done()
		}
	}
}

func sessionFromRow(row *db.SessionRow) *Session {
	return &Session{
		id:           row.ID,
		name:         row.Name,
		prompt:       row.Prompt,
		repoPath:     row.RepoPath,
		worktreePath: row.WorktreePath,
		branch:       row.Branch,
		status:       Status(row.Status),
		lastError:    row.LastError,
		createdAt:    row.CreatedAt,
		lastActivity: row.UpdatedAt,
		lastViewedAt: row.LastViewedAt,
		completedAt:  row.CompletedAt,
	}
}

// rowFromSession requires sess.mu held.
func rowFromSession(sess *Session, archived bool) *db.SessionRow {
	return &db.SessionRow{
		ID:           sess.id,
		Name:         sess.name,
		Prompt:       sess.prompt,
		RepoPath:     sess.repoPath,
		WorktreePath: sess.worktreePath,
		Branch:       sess.branch,
		Status:       string(sess.status),
		LastError:    sess.lastError,
		Archived:     archived,
		CreatedAt:    sess.createdAt,
		UpdatedAt:    sess.lastActivity,
		LastViewedAt: sess.lastViewedAt,
		CompletedAt:  sess.completedAt,
	}
}
