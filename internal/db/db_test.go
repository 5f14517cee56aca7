package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffjacobsen/crystal/errors"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "crystal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func sampleSession(id string) *SessionRow {
	now := time.Now().UTC().Truncate(time.Second)
	return &SessionRow{
		ID:           id,
		Name:         "fix-bug",
		Prompt:       "fix the bug",
		RepoPath:     "/tmp/repo",
		WorktreePath: "/tmp/.crystal-worktrees/fix-bug",
		Branch:       "fix-bug",
		Status:       "initializing",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.InsertSession(ctx, sampleSession("s1")))

	got, err := d.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "fix-bug", got.Name)
	assert.Equal(t, "initializing", got.Status)
	assert.Nil(t, got.LastViewedAt)
	assert.Nil(t, got.CompletedAt)

	now := time.Now().UTC().Truncate(time.Second)
	got.Status = "stopped"
	got.CompletedAt = &now
	got.UpdatedAt = now
	require.NoError(t, d.UpdateSession(ctx, got))

	got, err = d.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now))
}

func TestGetSessionNotFound(t *testing.T) {
	d := openTestDB(t)

	_, err := d.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))
}

func TestUpdateSessionNotFound(t *testing.T) {
	d := openTestDB(t)

	err := d.UpdateSession(context.Background(), sampleSession("ghost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))
}

func TestListSessionsExcludesArchived(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.InsertSession(ctx, sampleSession("live")))
	archived := sampleSession("gone")
	archived.Archived = true
	require.NoError(t, d.InsertSession(ctx, archived))

	active, err := d.ListSessions(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)

	all, err := d.ListSessions(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAppendOutputSequencesGapFree(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.InsertSession(ctx, sampleSession("s1")))
	require.NoError(t, d.InsertSession(ctx, sampleSession("s2")))

	for i := 0; i < 5; i++ {
		seq, err := d.AppendOutput(ctx, "s1", "structured", `{"n":1}`, time.Now())
		require.NoError(t, err)
		assert.Equal(t, i+1, seq)
	}

	// Sequences are per-session
	seq, err := d.AppendOutput(ctx, "s2", "stdout", "hello", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	outputs, err := d.GetOutputs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, outputs, 5)
	for i, o := range outputs {
		assert.Equal(t, i+1, o.Seq, "sequence indices strictly increasing and gap-free from 1")
	}
}

func TestWorktreeBindings(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	row := &WorktreeRow{
		Path:      "/tmp/.crystal-worktrees/foo",
		Branch:    "foo",
		RepoPath:  "/tmp/repo",
		SessionID: "s1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, d.InsertWorktree(ctx, row))

	list, err := d.ListWorktrees(ctx, "/tmp/repo")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "foo", list[0].Branch)

	other, err := d.ListWorktrees(ctx, "/tmp/other-repo")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, d.DeleteWorktree(ctx, row.Path))
	require.NoError(t, d.DeleteWorktree(ctx, row.Path)) // idempotent

	list, err = d.ListWorktrees(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}
