package db

import (
	"context"
	"time"

	"github.com/jeffjacobsen/crystal/errors"
)

// OutputRow is one persisted unit of captured process output.
type OutputRow struct {
	SessionID string
	Seq       int
	Kind      string
	Payload   string
	CreatedAt time.Time
}

// AppendOutput assigns the next sequence index for the session and persists
// the record, returning the assigned index. Sequence assignment and insert
// share one transaction on the single writer connection, so indices are
// gap-free and never duplicated.
func (d *DB) AppendOutput(ctx context.Context, sessionID, kind, payload string, at time.Time) (int, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot begin output transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM output_records WHERE session_id = ?`,
		sessionID).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot assign output sequence").
			WithDetail("sessionId", sessionID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO output_records (session_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, kind, payload, at); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot insert output record").
			WithDetail("sessionId", sessionID)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot commit output record")
	}
	return seq, nil
}

// GetOutputs returns all output records for a session ordered by sequence.
func (d *DB) GetOutputs(ctx context.Context, sessionID string) ([]OutputRow, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT session_id, seq, kind, payload, created_at
		 FROM output_records WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot query output records").
			WithDetail("sessionId", sessionID)
	}
	defer rows.Close()

	var outputs []OutputRow
	for rows.Next() {
		var o OutputRow
		if err := rows.Scan(&o.SessionID, &o.Seq, &o.Kind, &o.Payload, &o.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStoreFailed, "cannot scan output record")
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}
