package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// SaveMutation journals a pending mutation so reconciliation
// bookkeeping survives a restart of the same context.
func (s *Store) SaveMutation(ctx context.Context, m *schema.PendingMutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	var payload sql.NullString
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal mutation payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO pending_mutations (id, task_id, kind, issued_at, state, payload)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		payload = excluded.payload
	`

	_, err := s.conn.ExecContext(ctx, query,
		m.ID,
		m.TaskID,
		string(m.Kind),
		m.IssuedAt.Format(time.RFC3339Nano),
		string(m.State),
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to save mutation %s: %w", m.ID, err)
	}

	return nil
}

// DeleteMutation removes a mutation from the journal once it has been
// confirmed or reverted. Idempotent.
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}
	return nil
}

// ListMutations returns all journaled mutations, oldest first.
// Called on startup to resume reconciliation timers.
func (s *Store) ListMutations(ctx context.Context) ([]*schema.PendingMutation, error) {
	query := `
	SELECT id, task_id, kind, issued_at, state, payload
	FROM pending_mutations
	ORDER BY issued_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var mutations []*schema.PendingMutation
	for rows.Next() {
		var m schema.PendingMutation
		var kind, issuedAt, state string
		var payload sql.NullString

		if err := rows.Scan(&m.ID, &m.TaskID, &kind, &issuedAt, &state, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		m.Kind = schema.MutationKind(kind)
		m.State = schema.MutationState(state)
		if t, err := time.Parse(time.RFC3339Nano, issuedAt); err == nil {
			m.IssuedAt = t
		}
		if payload.Valid {
			var task schema.Task
			if err := json.Unmarshal([]byte(payload.String), &task); err != nil {
				return nil, fmt.Errorf("failed to unmarshal mutation %s payload: %w", m.ID, err)
			}
			m.Payload = &task
		}

		mutations = append(mutations, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}

	return mutations, nil
}

// EnqueueDailyLog inserts a daily log candidate keyed by SourceTaskID.
// Returns true if a new candidate was created, false if one already
// existed for the same source task (duplicate completion retry).
func (s *Store) EnqueueDailyLog(ctx context.Context, cand *schema.DailyLogCandidate) (bool, error) {
	if cand.SourceTaskID == "" {
		return false, fmt.Errorf("daily log candidate: source_task_id is required")
	}

	// Undoing a completed task does not retract the candidate here:
	// the daily log is an append-only proposal queue, and erasing an
	// entry would drop evidence of work done before the undo.
	query := `
	INSERT INTO daily_log (source_task_id, username, date, description, enqueued_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(source_task_id) DO NOTHING
	`

	res, err := s.conn.ExecContext(ctx, query,
		cand.SourceTaskID,
		cand.Username,
		cand.Date.String(),
		cand.Description,
		cand.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue daily log for task %s: %w", cand.SourceTaskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListDailyLog returns a user's candidates for a given day, oldest first.
func (s *Store) ListDailyLog(ctx context.Context, username string, date schema.Date) ([]*schema.DailyLogCandidate, error) {
	query := `
	SELECT source_task_id, username, date, description, enqueued_at
	FROM daily_log
	WHERE username = ? AND date = ?
	ORDER BY enqueued_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, username, date.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list daily log for %s/%s: %w", username, date, err)
	}
	defer rows.Close()

	var candidates []*schema.DailyLogCandidate
	for rows.Next() {
		var c schema.DailyLogCandidate
		var dateStr, enqueuedAt string

		if err := rows.Scan(&c.SourceTaskID, &c.Username, &dateStr, &c.Description, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan daily log candidate: %w", err)
		}

		d, err := schema.ParseDate(dateStr)
		if err != nil {
			return nil, err
		}
		c.Date = d
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			c.EnqueuedAt = t
		}

		candidates = append(candidates, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily log: %w", err)
	}

	return candidates, nil
}

// CountDailyLog returns the total number of daily log candidates.
func (s *Store) CountDailyLog(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM daily_log").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count daily log: %w", err)
	}
	return count, nil
}
