package errors

import (
	"fmt"
	"os/exec"
	"time"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *CrystalError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *CrystalError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// SessionNotFound creates a session not found error
func SessionNotFound(id string) *CrystalError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session '%s' not found", id)).
		WithDetail("sessionId", id)
}

// InvalidTransition creates an invalid status transition error
func InvalidTransition(from, to string) *CrystalError {
	return New(ErrCodeInvalidTransition,
		fmt.Sprintf("cannot transition session from '%s' to '%s'", from, to)).
		WithDetail("from", from).
		WithDetail("to", to)
}

// NoActiveProject creates an error for session operations issued without a project
func NoActiveProject() *CrystalError {
	return New(ErrCodeNoActiveProject, "no active project selected")
}

// WorktreeNotFound creates a worktree not found error
func WorktreeNotFound(path string) *CrystalError {
	return New(ErrCodeWorktreeNotFound, fmt.Sprintf("worktree not found: %s", path)).
		WithDetail("path", path)
}

// AllocationConflict creates an error for exhausted branch name disambiguation
func AllocationConflict(name string, attempts int) *CrystalError {
	return New(ErrCodeAllocationConflict,
		fmt.Sprintf("could not allocate a branch for '%s' after %d attempts", name, attempts)).
		WithDetail("name", name).
		WithDetail("attempts", attempts)
}

// NotARepository creates an error for paths that are not git repositories
func NotARepository(path string) *CrystalError {
	return New(ErrCodeNotARepository, fmt.Sprintf("not a git repository: %s", path)).
		WithDetail("path", path)
}

// SpawnFailed creates a process spawn failure error
func SpawnFailed(command string, err error) *CrystalError {
	return Wrap(err, ErrCodeProcessSpawnFailed, fmt.Sprintf("failed to spawn process: %s", command)).
		WithDetail("command", command)
}

// ProcessTimeout creates a process timeout error
func ProcessTimeout(kind string, limit time.Duration) *CrystalError {
	return New(ErrCodeProcessTimeout,
		fmt.Sprintf("process exceeded %s timeout of %s", kind, limit)).
		WithDetail("kind", kind).
		WithDetail("limit", limit.String())
}

// CommandFailed creates a command execution failure error
func CommandFailed(cmd string, err error) *CrystalError {
	cerr := Wrap(err, ErrCodeCommandFailed, fmt.Sprintf("command failed: %s", cmd)).
		WithDetail("command", cmd)

	// Extract exit code if available
	if exitErr, ok := err.(*exec.ExitError); ok {
		cerr = cerr.WithDetail("exitCode", exitErr.ExitCode())
	}

	return cerr
}
