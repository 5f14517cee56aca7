package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/command"
	"github.com/jeffjacobsen/crystal/errors"
)

// maxAllocateAttempts bounds branch name disambiguation.
const maxAllocateAttempts = 100

// WorktreeInfo contains information about a git worktree
type WorktreeInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
	Bare   bool   `json:"bare,omitempty"`
}

// Manager allocates and reclaims per-session working copies. Worktrees live
// in a sibling directory of the repository so the repository's own tree stays
// clean. The git CLI is the source of truth; nothing is cached across calls
// because concurrent sessions mutate the worktree set.
type Manager struct {
	cmdBuilder *command.SafeBuilder
	dirName    string
	log        *logrus.Entry
}

// NewManager creates a worktree manager. dirName is the sibling directory
// that holds per-session worktrees (e.g. ".crystal-worktrees").
func NewManager(builder *command.SafeBuilder, dirName string, log *logrus.Entry) *Manager {
	return &Manager{
		cmdBuilder: builder,
		dirName:    dirName,
		log:        log,
	}
}

// Allocate creates an isolated working copy for a session. The branch name is
// derived from sessionName; collisions are resolved by suffixing an
// incrementing counter (foo, foo-1, foo-2, ...). A repository with no commits
// yet gets an initial empty commit first so branching works uniformly. If
// baseBranch exists it is the start point, otherwise the current HEAD is.
func (m *Manager) Allocate(ctx context.Context, repoPath, sessionName, baseBranch string) (string, string, error) {
	if !IsGitRepo(repoPath) {
		return "", "", errors.NotARepository(repoPath)
	}

	repoRoot, err := GetGitRoot(repoPath)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeGitFailed, "cannot resolve repository root")
	}

	if err := m.ensureInitialCommit(ctx, repoRoot); err != nil {
		return "", "", err
	}

	base := SanitizeBranchName(sessionName)
	if err := m.cmdBuilder.Validate("gitRef", base); err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeInvalidInput, "derived branch name is not a valid git ref")
	}

	startPoint := "HEAD"
	if baseBranch != "" && m.BranchExists(ctx, repoRoot, baseBranch) {
		startPoint = baseBranch
	}

	worktreesDir := filepath.Join(filepath.Dir(repoRoot), m.dirName)
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeGitFailed, "cannot create worktrees directory").
			WithDetail("dir", worktreesDir)
	}

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		branch := base
		if attempt > 0 {
			branch = fmt.Sprintf("%s-%d", base, attempt)
		}

		if m.BranchExists(ctx, repoRoot, branch) {
			continue
		}

		worktreePath := filepath.Join(worktreesDir, branch)
		output, err := m.cmdBuilder.CombinedOutput(ctx, repoRoot,
			"git", "worktree", "add", "-b", branch, worktreePath, startPoint)
		if err == nil {
			m.log.WithFields(logrus.Fields{
				"branch": branch,
				"path":   worktreePath,
			}).Info("Allocated working copy")
			return worktreePath, branch, nil
		}

		// A concurrent allocation can win the branch between the existence
		// check and the add; treat that as a collision and keep counting.
		if strings.Contains(output, "already exists") || strings.Contains(output, "already checked out") {
			continue
		}

		return "", "", errors.Wrap(err, errors.ErrCodeGitFailed, "git worktree add failed").
			WithDetail("branch", branch).
			WithDetail("output", output)
	}

	return "", "", errors.AllocationConflict(base, maxAllocateAttempts)
}

// Release removes a working copy and deletes its branch. Idempotent: a path
// that does not exist or was already released is a no-op. Uncommitted work in
// the worktree is discarded.
func (m *Manager) Release(ctx context.Context, repoPath, worktreePath string) error {
	if worktreePath == "" {
		return nil
	}

	absPath, err := filepath.Abs(worktreePath)
	if err != nil {
		absPath = worktreePath
	}

	worktrees, err := m.List(ctx, repoPath)
	if err != nil {
		// Releasing against a repository that no longer exists is a no-op.
		if _, statErr := os.Stat(repoPath); os.IsNotExist(statErr) {
			return nil
		}
		return err
	}

	var found *WorktreeInfo
	for i := range worktrees {
		if worktrees[i].Path == absPath {
			found = &worktrees[i]
			break
		}
	}

	if found == nil {
		// Already released; clear any stale metadata left behind.
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			_, _ = m.cmdBuilder.CombinedOutput(ctx, repoPath, "git", "worktree", "prune")
			return nil
		}
		// Directory exists but git does not know it; nothing to release.
		return nil
	}

	if output, err := m.cmdBuilder.CombinedOutput(ctx, repoPath,
		"git", "worktree", "remove", "--force", absPath); err != nil {
		return errors.Wrap(err, errors.ErrCodeGitFailed, "git worktree remove failed").
			WithDetail("path", absPath).
			WithDetail("output", output)
	}

	if found.Branch != "" {
		// Branch deletion is best-effort; the worktree is already gone.
		if output, err := m.cmdBuilder.CombinedOutput(ctx, repoPath,
			"git", "branch", "-D", found.Branch); err != nil {
			m.log.WithFields(logrus.Fields{
				"branch": found.Branch,
				"output": output,
			}).Warn("Failed to delete branch after worktree removal")
		}
	}

	m.log.WithField("path", absPath).Info("Released working copy")
	return nil
}

// List returns all worktrees for the repository. The listing is produced
// fresh on every call; external tools mutate the tree concurrently.
func (m *Manager) List(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	output, err := m.cmdBuilder.Output(ctx, repoPath, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGitFailed, "git worktree list failed").
			WithDetail("repo", repoPath)
	}

	return parseWorktreeList(output), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	lines := strings.Split(output, "\n")

	var current WorktreeInfo
	for _, line := range lines {
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			if parts[0] == "bare" {
				current.Bare = true
			}
			continue
		}

		switch parts[0] {
		case "worktree":
			current.Path = parts[1]
		case "HEAD":
			current.Commit = parts[1]
		case "branch":
			current.Branch = strings.TrimPrefix(parts[1], "refs/heads/")
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

var branchCleanRegex = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)
var branchDashRegex = regexp.MustCompile(`-{2,}`)

// SanitizeBranchName derives a git-safe branch name from a session display
// name: invalid characters become hyphens, runs collapse, edges are trimmed.
func SanitizeBranchName(name string) string {
	branch := strings.ToLower(strings.TrimSpace(name))
	branch = branchCleanRegex.ReplaceAllString(branch, "-")
	branch = branchDashRegex.ReplaceAllString(branch, "-")
	branch = strings.Trim(branch, "-./")
	if branch == "" {
		branch = "session"
	}
	return branch
}
