package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/jeffjacobsen/crystal/errors"
)

// SessionRow is the persisted shape of a session.
type SessionRow struct {
	ID           string
	Name         string
	Prompt       string
	RepoPath     string
	WorktreePath string
	Branch       string
	Status       string
	LastError    string
	Archived     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastViewedAt *time.Time
	CompletedAt  *time.Time
}

// InsertSession persists a newly created session.
func (d *DB) InsertSession(ctx context.Context, row *SessionRow) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, name, prompt, repo_path, worktree_path, branch,
			status, last_error, archived, created_at, updated_at, last_viewed_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Name, row.Prompt, row.RepoPath, row.WorktreePath, row.Branch,
		row.Status, row.LastError, row.Archived, row.CreatedAt, row.UpdatedAt,
		nullTime(row.LastViewedAt), nullTime(row.CompletedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot insert session").
			WithDetail("sessionId", row.ID)
	}
	return nil
}

// UpdateSession rewrites a session's mutable fields.
func (d *DB) UpdateSession(ctx context.Context, row *SessionRow) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE sessions
		SET name = ?, status = ?, last_error = ?, archived = ?, updated_at = ?,
			last_viewed_at = ?, completed_at = ?
		WHERE id = ?`,
		row.Name, row.Status, row.LastError, row.Archived, row.UpdatedAt,
		nullTime(row.LastViewedAt), nullTime(row.CompletedAt), row.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot update session").
			WithDetail("sessionId", row.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.SessionNotFound(row.ID)
	}
	return nil
}

// GetSession fetches a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, name, prompt, repo_path, worktree_path, branch, status,
			last_error, archived, created_at, updated_at, last_viewed_at, completed_at
		FROM sessions WHERE id = ?`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.SessionNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot read session").
			WithDetail("sessionId", id)
	}
	return s, nil
}

// ListSessions returns all sessions, optionally including archived ones,
// ordered by creation time.
func (d *DB) ListSessions(ctx context.Context, includeArchived bool) ([]*SessionRow, error) {
	query := `
		SELECT id, name, prompt, repo_path, worktree_path, branch, status,
			last_error, archived, created_at, updated_at, last_viewed_at, completed_at
		FROM sessions`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot list sessions")
	}
	defer rows.Close()

	var sessions []*SessionRow
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot scan session row")
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*SessionRow, error) {
	var s SessionRow
	var lastViewed, completed sql.NullTime
	err := sc.Scan(&s.ID, &s.Name, &s.Prompt, &s.RepoPath, &s.WorktreePath,
		&s.Branch, &s.Status, &s.LastError, &s.Archived, &s.CreatedAt,
		&s.UpdatedAt, &lastViewed, &completed)
	if err != nil {
		return nil, err
	}
	if lastViewed.Valid {
		t := lastViewed.Time
		s.LastViewedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
