// Package models holds the wire types shared between the crystal daemon
// and its clients: session snapshots, output records, and event payloads.
package models

import "time"

// Status is a session's externally visible state.
type Status string

const (
	StatusInitializing      Status = "initializing"
	StatusRunning           Status = "running"
	StatusWaiting           Status = "waiting_for_input"
	StatusCompleted         Status = "completed"
	StatusCompletedUnviewed Status = "completed_unviewed"
	StatusError             Status = "error"
	StatusStopped           Status = "stopped"
)

// Terminal reports whether the status ends the current run. The session
// entity itself persists and can re-enter initializing via a continuation.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedUnviewed, StatusError, StatusStopped:
		return true
	}
	return false
}

// transitions lists the reachable next states per state. Transitions are
// monotonic within a run; terminal states only restart or resolve viewing.
var transitions = map[Status][]Status{
	StatusInitializing:      {StatusRunning, StatusError, StatusStopped},
	StatusRunning:           {StatusWaiting, StatusCompleted, StatusCompletedUnviewed, StatusError, StatusStopped},
	StatusWaiting:           {StatusRunning, StatusCompleted, StatusCompletedUnviewed, StatusError, StatusStopped},
	StatusCompleted:         {StatusInitializing},
	StatusCompletedUnviewed: {StatusCompleted, StatusInitializing},
	StatusError:             {StatusInitializing},
	StatusStopped:           {StatusInitializing},
}

// CanTransition reports whether to is reachable from s.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OutputKind classifies a captured output record.
type OutputKind string

const (
	OutputStdout     OutputKind = "stdout"
	OutputStderr     OutputKind = "stderr"
	OutputStructured OutputKind = "structured"
	OutputLifecycle  OutputKind = "lifecycle"
)

// OutputRecord is one unit of captured process output.
type OutputRecord struct {
	Seq     int        `json:"seq"`
	Kind    OutputKind `json:"kind"`
	Payload string     `json:"payload"`
	At      time.Time  `json:"at"`
}

// View is an immutable snapshot of a session.
type View struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Prompt         string     `json:"prompt"`
	RepoPath       string     `json:"repo_path"`
	WorktreePath   string     `json:"worktree_path"`
	Branch         string     `json:"branch"`
	Status         Status     `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	LastViewedAt   *time.Time `json:"last_viewed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	OutputCount    int        `json:"output_count"`
	Running        bool       `json:"running"`
}
