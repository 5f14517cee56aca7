package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffjacobsen/crystal/testutil"
)

func TestListBranches(t *testing.T) {
	tmpDir := t.TempDir()
	repo := filepath.Join(tmpDir, "repo")
	require.NoError(t, os.Mkdir(repo, 0o755))
	testutil.InitGitRepo(t, repo)
	testutil.CreateBranch(t, repo, "idle-branch")
	testutil.RunGitCommand(t, repo, "checkout", "main")

	m := newTestManager()
	ctx := context.Background()

	_, sessionBranch, err := m.Allocate(ctx, repo, "busy", "main")
	require.NoError(t, err)

	branches, err := m.ListBranches(ctx, repo)
	require.NoError(t, err)

	byName := make(map[string]BranchInfo)
	for _, b := range branches {
		byName[b.Name] = b
	}

	require.Contains(t, byName, "main")
	require.Contains(t, byName, "idle-branch")
	require.Contains(t, byName, sessionBranch)

	assert.True(t, byName["main"].IsCurrent)
	assert.False(t, byName["main"].HasWorktree)

	assert.False(t, byName["idle-branch"].IsCurrent)
	assert.False(t, byName["idle-branch"].HasWorktree)

	assert.False(t, byName[sessionBranch].IsCurrent)
	assert.True(t, byName[sessionBranch].HasWorktree, "session branch is checked out in a worktree")
}
