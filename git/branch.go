package git

import (
	"context"
	"strings"
)

// BranchInfo describes a local branch and whether a worktree holds it.
type BranchInfo struct {
	Name        string `json:"name"`
	IsCurrent   bool   `json:"is_current"`
	HasWorktree bool   `json:"has_worktree"`
}

// ListBranches returns the repository's local branches, cross-referenced with
// the worktree list so callers can tell which branches are already checked
// out in a session working copy.
func (m *Manager) ListBranches(ctx context.Context, repoPath string) ([]BranchInfo, error) {
	output, err := m.cmdBuilder.Output(ctx, repoPath,
		"git", "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	current, _ := m.CurrentBranch(ctx, repoPath)

	worktrees, err := m.List(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	repoRoot, rootErr := GetGitRoot(repoPath)

	// Branches checked out anywhere other than the main working tree.
	checkedOut := make(map[string]bool)
	for _, wt := range worktrees {
		if wt.Branch == "" {
			continue
		}
		if rootErr == nil && wt.Path == repoRoot {
			continue
		}
		checkedOut[wt.Branch] = true
	}

	var branches []BranchInfo
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		branches = append(branches, BranchInfo{
			Name:        name,
			IsCurrent:   name == current,
			HasWorktree: checkedOut[name],
		})
	}

	return branches, nil
}
