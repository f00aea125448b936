package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// ClaimNotifyFlag atomically claims the per-(user, day) work-from-home
// notification flag. Returns true exactly once per (username, date);
// any retry or reload afterwards returns false.
func (s *Store) ClaimNotifyFlag(ctx context.Context, username string, date schema.Date, at time.Time) (bool, error) {
	query := `
	INSERT INTO notify_flags (username, date, sent_at)
	VALUES (?, ?, ?)
	ON CONFLICT(username, date) DO NOTHING
	`

	res, err := s.conn.ExecContext(ctx, query, username, date.String(), at.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to claim notify flag %s/%s: %w", username, date, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseNotifyFlag removes a claimed flag so the notification can be
// re-sent. Used when composition fails after the claim.
func (s *Store) ReleaseNotifyFlag(ctx context.Context, username string, date schema.Date) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM notify_flags WHERE username = ? AND date = ?`,
		username, date.String())
	if err != nil {
		return fmt.Errorf("failed to release notify flag %s/%s: %w", username, date, err)
	}
	return nil
}

// SweepDone reports whether the auto-absent sweep already completed for
// the given day.
func (s *Store) SweepDone(ctx context.Context, date schema.Date) (bool, error) {
	var completedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT completed_at FROM sweep_runs WHERE date = ?`,
		date.String()).Scan(&completedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check sweep run for %s: %w", date, err)
	}
	return true, nil
}

// MarkSweepDone records that the sweep completed for the given day and
// how many absent rows it wrote. Idempotent: re-marking keeps the
// first completion.
func (s *Store) MarkSweepDone(ctx context.Context, date schema.Date, marked int, at time.Time) error {
	query := `
	INSERT INTO sweep_runs (date, completed_at, marked)
	VALUES (?, ?, ?)
	ON CONFLICT(date) DO NOTHING
	`

	_, err := s.conn.ExecContext(ctx, query, date.String(), at.Format(time.RFC3339Nano), marked)
	if err != nil {
		return fmt.Errorf("failed to mark sweep done for %s: %w", date, err)
	}
	return nil
}

// LastSweep returns the most recent completed sweep day, or the zero
// date when no sweep has run yet.
func (s *Store) LastSweep(ctx context.Context) (schema.Date, error) {
	var dateStr string
	err := s.conn.QueryRowContext(ctx,
		`SELECT date FROM sweep_runs ORDER BY date DESC LIMIT 1`).Scan(&dateStr)
	if err == sql.ErrNoRows {
		return schema.Date{}, nil
	}
	if err != nil {
		return schema.Date{}, fmt.Errorf("failed to get last sweep: %w", err)
	}
	return schema.ParseDate(dateStr)
}
