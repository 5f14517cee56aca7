package git

import (
	"context"

	"github.com/jeffjacobsen/crystal/errors"
)

// HasCommits reports whether the repository has at least one commit.
func (m *Manager) HasCommits(ctx context.Context, repoPath string) bool {
	_, err := m.cmdBuilder.Output(ctx, repoPath, "git", "rev-parse", "--verify", "HEAD")
	return err == nil
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(ctx context.Context, repoPath, branch string) bool {
	if m.cmdBuilder.Validate("gitRef", branch) != nil {
		return false
	}
	_, err := m.cmdBuilder.Output(ctx, repoPath, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CurrentBranch returns the branch checked out at dir.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	branch, err := m.cmdBuilder.Output(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeGitFailed, "cannot determine current branch").
			WithDetail("dir", dir)
	}
	return branch, nil
}

// ensureInitialCommit creates an initial empty commit in a repository with no
// commits yet, so branch creation works uniformly for brand-new repositories.
func (m *Manager) ensureInitialCommit(ctx context.Context, repoPath string) error {
	if m.HasCommits(ctx, repoPath) {
		return nil
	}

	output, err := m.cmdBuilder.CombinedOutput(ctx, repoPath,
		"git", "commit", "--allow-empty", "-m", "Initial commit")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGitFailed, "cannot create initial commit in empty repository").
			WithDetail("output", output)
	}

	m.log.WithField("repo", repoPath).Info("Created initial commit in empty repository")
	return nil
}
