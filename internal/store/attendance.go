package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// PutAttendance inserts or replaces the attendance record for
// (record.Username, record.Date).
//
// The caller decides overwrite semantics (user write vs audited admin
// correction); the store only enforces the one-record-per-(user, day)
// invariant via the composite primary key.
func (s *Store) PutAttendance(ctx context.Context, rec *schema.AttendanceRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid attendance record: %w", err)
	}

	query := `
	INSERT INTO attendance (
		username, date, status, clock_in, clock_out,
		work_type, notes, source, edited_by, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(username, date) DO UPDATE SET
		status = excluded.status,
		clock_in = excluded.clock_in,
		clock_out = excluded.clock_out,
		work_type = excluded.work_type,
		notes = excluded.notes,
		source = excluded.source,
		edited_by = excluded.edited_by,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		rec.Username,
		rec.Date.String(),
		string(rec.Status),
		timeToNullString(rec.ClockIn),
		timeToNullString(rec.ClockOut),
		string(rec.WorkType),
		rec.Notes,
		string(rec.Source),
		rec.EditedBy,
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put attendance %s/%s: %w", rec.Username, rec.Date, err)
	}

	return nil
}

// GetAttendance retrieves the record for (username, date).
// Returns ErrNotFound if no record exists.
func (s *Store) GetAttendance(ctx context.Context, username string, date schema.Date) (*schema.AttendanceRecord, error) {
	query := `
	SELECT username, date, status, clock_in, clock_out,
	       work_type, notes, source, edited_by, updated_at
	FROM attendance
	WHERE username = ? AND date = ?
	`

	rec, err := scanAttendance(s.conn.QueryRowContext(ctx, query, username, date.String()))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attendance %s/%s: %w", username, date, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attendance %s/%s: %w", username, date, err)
	}
	return rec, nil
}

// InsertAbsent writes an absent record for (username, date) only if no
// record exists yet. Returns true if a row was inserted.
//
// The existence check and the insert are one statement, so the sweep
// can run concurrently with live clock-in writes without racing the
// uniqueness invariant.
func (s *Store) InsertAbsent(ctx context.Context, username string, date schema.Date, now time.Time) (bool, error) {
	query := `
	INSERT INTO attendance (username, date, status, work_type, notes, source, edited_by, updated_at)
	VALUES (?, ?, ?, '', '', ?, '', ?)
	ON CONFLICT(username, date) DO NOTHING
	`

	res, err := s.conn.ExecContext(ctx, query,
		username,
		date.String(),
		string(schema.AttendanceAbsent),
		string(schema.SourceSweep),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert absent %s/%s: %w", username, date, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertAttendance writes a full record for (username, date) only if no
// record exists yet. Returns true if a row was inserted.
//
// Like InsertAbsent, the existence check and the insert are one
// statement. Live clock-in/leave writes use this so a sweep insert
// landing between their check and their write can never be silently
// replaced.
func (s *Store) InsertAttendance(ctx context.Context, rec *schema.AttendanceRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("invalid attendance record: %w", err)
	}

	query := `
	INSERT INTO attendance (
		username, date, status, clock_in, clock_out,
		work_type, notes, source, edited_by, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(username, date) DO NOTHING
	`

	res, err := s.conn.ExecContext(ctx, query,
		rec.Username,
		rec.Date.String(),
		string(rec.Status),
		timeToNullString(rec.ClockIn),
		timeToNullString(rec.ClockOut),
		string(rec.WorkType),
		rec.Notes,
		string(rec.Source),
		rec.EditedBy,
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert attendance %s/%s: %w", rec.Username, rec.Date, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListAttendanceByDate returns all records for a given day, ordered by
// username.
func (s *Store) ListAttendanceByDate(ctx context.Context, date schema.Date) ([]*schema.AttendanceRecord, error) {
	query := `
	SELECT username, date, status, clock_in, clock_out,
	       work_type, notes, source, edited_by, updated_at
	FROM attendance
	WHERE date = ?
	ORDER BY username ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, date.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance for %s: %w", date, err)
	}
	defer rows.Close()

	var records []*schema.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance: %w", err)
	}

	return records, nil
}

// CountAttendance returns the total number of attendance rows.
func (s *Store) CountAttendance(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attendance: %w", err)
	}
	return count, nil
}

// BumpMonthStat adjusts the incremental monthly aggregate for
// (username, month). countedDelta moves the present/late numerator,
// totalDelta the recorded-days denominator.
func (s *Store) BumpMonthStat(ctx context.Context, username, month string, countedDelta, totalDelta int) error {
	query := `
	INSERT INTO month_stats (username, month, counted, total)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(username, month) DO UPDATE SET
		counted = counted + excluded.counted,
		total = total + excluded.total
	`

	_, err := s.conn.ExecContext(ctx, query, username, month, countedDelta, totalDelta)
	if err != nil {
		return fmt.Errorf("failed to bump month stat %s/%s: %w", username, month, err)
	}
	return nil
}

// MonthStat returns the (counted, total) aggregate for (username, month).
// Returns zeros when no records exist for the month.
func (s *Store) MonthStat(ctx context.Context, username, month string) (counted, total int, err error) {
	query := `SELECT counted, total FROM month_stats WHERE username = ? AND month = ?`
	err = s.conn.QueryRowContext(ctx, query, username, month).Scan(&counted, &total)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get month stat %s/%s: %w", username, month, err)
	}
	return counted, total, nil
}

// rowScanner lets scanAttendance work on both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttendance(row rowScanner) (*schema.AttendanceRecord, error) {
	var rec schema.AttendanceRecord
	var dateStr, status, workType, source, updatedAt string
	var clockIn, clockOut sql.NullString

	err := row.Scan(
		&rec.Username,
		&dateStr,
		&status,
		&clockIn,
		&clockOut,
		&workType,
		&rec.Notes,
		&source,
		&rec.EditedBy,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	date, err := schema.ParseDate(dateStr)
	if err != nil {
		return nil, err
	}
	rec.Date = date
	rec.Status = schema.AttendanceStatus(status)
	rec.WorkType = schema.WorkType(workType)
	rec.Source = schema.RecordSource(source)
	rec.ClockIn = nullStringToTime(clockIn)
	rec.ClockOut = nullStringToTime(clockOut)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}
