package db

import (
	"context"
	"time"

	"github.com/jeffjacobsen/crystal/errors"
)

// WorktreeRow binds a working-copy path to its owning session.
type WorktreeRow struct {
	Path      string
	Branch    string
	RepoPath  string
	SessionID string
	CreatedAt time.Time
}

// InsertWorktree records a working-copy binding.
func (d *DB) InsertWorktree(ctx context.Context, row *WorktreeRow) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO worktrees (path, branch, repo_path, session_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.Path, row.Branch, row.RepoPath, row.SessionID, row.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot insert worktree binding").
			WithDetail("path", row.Path)
	}
	return nil
}

// DeleteWorktree removes a binding. Deleting an unknown path is a no-op.
func (d *DB) DeleteWorktree(ctx context.Context, path string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM worktrees WHERE path = ?`, path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot delete worktree binding").
			WithDetail("path", path)
	}
	return nil
}

// ListWorktrees returns all bindings, optionally filtered by repository.
func (d *DB) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeRow, error) {
	query := `SELECT path, branch, repo_path, session_id, created_at FROM worktrees`
	var args []any
	if repoPath != "" {
		query += ` WHERE repo_path = ?`
		args = append(args, repoPath)
	}
	query += ` ORDER BY created_at, path`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot list worktree bindings")
	}
	defer rows.Close()

	var result []WorktreeRow
	for rows.Next() {
		var w WorktreeRow
		if err := rows.Scan(&w.Path, &w.Branch, &w.RepoPath, &w.SessionID, &w.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot scan worktree binding")
		}
		result = append(result, w)
	}
	return result, rows.Err()
}
