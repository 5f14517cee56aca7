package store

import (
	"sync"
	"time"

	"github.com/jeffjacobsen/crystal/internal/runner"
	"github.com/jeffjacobsen/crystal/pkg/models"
)

// The session wire types live in pkg/models so external importers can name
// them; the store works with them under aliases.
type (
	Status       = models.Status
	OutputKind   = models.OutputKind
	OutputRecord = models.OutputRecord
	View         = models.View
)

const (
	StatusInitializing      = models.StatusInitializing
	StatusRunning           = models.StatusRunning
	StatusWaiting           = models.StatusWaiting
	StatusCompleted         = models.StatusCompleted
	StatusCompletedUnviewed = models.StatusCompletedUnviewed
	StatusError             = models.StatusError
	StatusStopped           = models.StatusStopped
)

const (
	OutputStdout     = models.OutputStdout
	OutputStderr     = models.OutputStderr
	OutputStructured = models.OutputStructured
	OutputLifecycle  = models.OutputLifecycle
)

// Session is the authoritative record of one unit of work. Frequently
// mutated fields are guarded by the session's own mutex so unrelated
// sessions never serialize on each other.
type Session struct {
	mu sync.Mutex

	id           string
	name         string
	prompt       string
	repoPath     string
	worktreePath string
	branch       string

	// status holds the persisted status; completed vs completed_unviewed is
	// derived from the viewed/completed timestamps on read.
	status       Status
	lastError    string
	createdAt    time.Time
	lastActivity time.Time
	lastViewedAt *time.Time
	completedAt  *time.Time

	outputs []OutputRecord

	// starting reserves the run between the conflict check and the spawn,
	// so two StartAgent calls can never both pass the check.
	starting bool
	run      *runner.Run
	slotHeld bool
}

// effectiveStatusLocked derives the externally visible status. A stopped
// session with a completion timestamp finished on its own: it reads back as
// completed once viewed, completed_unviewed otherwise. Equal viewed and
// completed timestamps count as viewed.
func (s *Session) effectiveStatusLocked() Status {
	if s.status == StatusStopped && s.completedAt != nil {
		if s.lastViewedAt != nil && !s.lastViewedAt.Before(*s.completedAt) {
			return StatusCompleted
		}
		return StatusCompletedUnviewed
	}
	return s.status
}

func (s *Session) snapshot() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *View {
	return &View{
		ID:             s.id,
		Name:           s.name,
		Prompt:         s.prompt,
		RepoPath:       s.repoPath,
		WorktreePath:   s.worktreePath,
		Branch:         s.branch,
		Status:         s.effectiveStatusLocked(),
		LastError:      s.lastError,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		LastViewedAt:   s.lastViewedAt,
		CompletedAt:    s.completedAt,
		OutputCount:    len(s.outputs),
		Running:        s.run != nil,
	}
}
