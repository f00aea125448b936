// Package attendance implements the per-(user, day) attendance state
// machine: clock-in/out, leave marking, audited admin corrections, the
// work-from-home notification trigger, and the auto-absent sweep.
//
// Transitions out of the unmarked state happen exactly once per day
// per user - either through an explicit action here or through the
// sweep - and are guarded by the store's (username, date) uniqueness
// invariant so the two paths can never double-write.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
	"github.com/pulseboard/pulseboard/internal/store"
)

// ErrAlreadyMarked is returned when a day already has a record and the
// caller is not performing an admin correction.
var ErrAlreadyMarked = errors.New("attendance already marked for this day")

// ErrNotClockedIn is returned by ClockOut when no present/late record
// exists for the day.
var ErrNotClockedIn = errors.New("no clock-in record for this day")

// Notifier receives the work-from-home notification trigger.
// Delivery is the notifier's problem; the machine only guarantees the
// trigger fires at most once per (user, day).
type Notifier interface {
	NotifyHomeWork(ctx context.Context, username string, day schema.Date, at time.Time) error
}

// Config holds machine configuration.
type Config struct {
	// GraceCutoff is the "HH:MM" local time after which a clock-in is
	// recorded as late (default "09:15").
	GraceCutoff string

	// Location is the zone for day boundaries and cutoff comparison.
	Location *time.Location

	// Now is the clock source, overridable in tests.
	Now func() time.Time

	// Logger for machine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GraceCutoff: "09:15",
		Location:    time.Local,
		Now:         time.Now,
		Logger:      log.New(os.Stderr, "[attendance] ", log.LstdFlags),
	}
}

// Machine is the attendance state machine.
type Machine struct {
	store    *store.Store
	notifier Notifier
	logger   *log.Logger
	loc      *time.Location
	now      func() time.Time

	mu           sync.RWMutex
	graceMinutes int
}

// New creates a machine. notifier may be nil to disable the
// work-from-home notification entirely.
func New(st *store.Store, notifier Notifier, config *Config) (*Machine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.GraceCutoff == "" {
		config.GraceCutoff = "09:15"
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[attendance] ", log.LstdFlags)
	}

	grace, err := schema.CutoffMinutes(config.GraceCutoff)
	if err != nil {
		return nil, err
	}

	return &Machine{
		store:        st,
		notifier:     notifier,
		logger:       config.Logger,
		loc:          config.Location,
		now:          config.Now,
		graceMinutes: grace,
	}, nil
}

// UpdateGraceCutoff applies a new cutoff from the settings endpoint.
func (m *Machine) UpdateGraceCutoff(cutoff string) error {
	grace, err := schema.CutoffMinutes(cutoff)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.graceMinutes = grace
	m.mu.Unlock()

	m.logger.Printf("Grace cutoff updated to %s", cutoff)
	return nil
}

// today returns the current local time and its calendar date.
func (m *Machine) today() (time.Time, schema.Date) {
	now := m.now().In(m.loc)
	return now, schema.DateOf(now)
}

// ClockIn transitions today's state from unmarked to present or late.
// Late iff the local clock-in time exceeds the grace cutoff.
//
// Marking present with workType home triggers the work-from-home
// notification, at most once per (user, day) across retries and
// restarts.
func (m *Machine) ClockIn(ctx context.Context, username string, workType schema.WorkType, notes string) (*schema.AttendanceRecord, error) {
	now, day := m.today()

	m.mu.RLock()
	grace := m.graceMinutes
	m.mu.RUnlock()

	status := schema.AttendancePresent
	if schema.MinutesOfDay(now) > grace {
		status = schema.AttendanceLate
	}

	clockIn := now
	rec := &schema.AttendanceRecord{
		Username:  username,
		Date:      day,
		Status:    status,
		ClockIn:   &clockIn,
		WorkType:  workType,
		Notes:     notes,
		Source:    schema.SourceUser,
		UpdatedAt: now,
	}

	// Insert and existence check are one statement, so a sweep row
	// landing after any earlier check can never be overwritten here.
	inserted, err := m.store.InsertAttendance(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("clock-in %s/%s: %w", username, day, err)
	}
	if !inserted {
		return nil, fmt.Errorf("clock-in %s/%s: %w", username, day, ErrAlreadyMarked)
	}

	if err := m.store.BumpMonthStat(ctx, username, day.MonthKey(), 1, 1); err != nil {
		m.logger.Printf("Warning: failed to bump month stat for %s: %v", username, err)
	}

	m.logger.Printf("Clock-in: %s %s (%s, %s)", username, day, status, workType)

	if workType == schema.WorkHome {
		m.triggerHomeNotification(ctx, username, day, now)
	}

	return rec, nil
}

// triggerHomeNotification fires the WFH notification, gated by the
// persisted per-(user, day) idempotency flag.
func (m *Machine) triggerHomeNotification(ctx context.Context, username string, day schema.Date, at time.Time) {
	if m.notifier == nil {
		return
	}

	claimed, err := m.store.ClaimNotifyFlag(ctx, username, day, at)
	if err != nil {
		m.logger.Printf("Warning: failed to claim notify flag for %s/%s: %v", username, day, err)
		return
	}
	if !claimed {
		// Reload or retry: the notification already went out.
		return
	}

	if err := m.notifier.NotifyHomeWork(ctx, username, day, at); err != nil {
		// Release the claim so the next trigger can retry.
		if relErr := m.store.ReleaseNotifyFlag(ctx, username, day); relErr != nil {
			m.logger.Printf("Warning: failed to release notify flag for %s/%s: %v", username, day, relErr)
		}
		m.logger.Printf("Warning: home-work notification failed for %s/%s: %v", username, day, err)
		return
	}

	m.logger.Printf("Home-work notification sent for %s/%s", username, day)
}

// ClockOut stamps the clock-out time on today's present or late
// record. The top-level status does not change.
func (m *Machine) ClockOut(ctx context.Context, username string) (*schema.AttendanceRecord, error) {
	now, day := m.today()

	rec, err := m.store.GetAttendance(ctx, username, day)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("clock-out %s/%s: %w", username, day, ErrNotClockedIn)
	}
	if err != nil {
		return nil, fmt.Errorf("clock-out %s/%s: %w", username, day, err)
	}

	if rec.Status != schema.AttendancePresent && rec.Status != schema.AttendanceLate {
		return nil, fmt.Errorf("clock-out %s/%s: status is %s: %w", username, day, rec.Status, ErrNotClockedIn)
	}

	clockOut := now
	rec.ClockOut = &clockOut
	rec.UpdatedAt = now

	if err := m.store.PutAttendance(ctx, rec); err != nil {
		return nil, fmt.Errorf("clock-out %s/%s: %w", username, day, err)
	}

	m.logger.Printf("Clock-out: %s %s", username, day)
	return rec, nil
}

// MarkLeave transitions today's state from unmarked to leave.
func (m *Machine) MarkLeave(ctx context.Context, username, notes string) (*schema.AttendanceRecord, error) {
	now, day := m.today()

	rec := &schema.AttendanceRecord{
		Username:  username,
		Date:      day,
		Status:    schema.AttendanceLeave,
		Notes:     notes,
		Source:    schema.SourceUser,
		UpdatedAt: now,
	}

	inserted, err := m.store.InsertAttendance(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("leave %s/%s: %w", username, day, err)
	}
	if !inserted {
		return nil, fmt.Errorf("leave %s/%s: %w", username, day, ErrAlreadyMarked)
	}

	if err := m.store.BumpMonthStat(ctx, username, day.MonthKey(), 0, 1); err != nil {
		m.logger.Printf("Warning: failed to bump month stat for %s: %v", username, err)
	}

	m.logger.Printf("Leave marked: %s %s", username, day)
	return rec, nil
}

// Correct applies an audited administrative overwrite to any state.
// The original Source is preserved and EditedBy records the admin, so
// the author/editor distinction survives. Correcting a day with no
// record creates one with Source admin.
func (m *Machine) Correct(ctx context.Context, admin string, rec *schema.AttendanceRecord) (*schema.AttendanceRecord, error) {
	if admin == "" {
		return nil, fmt.Errorf("correction requires an admin identity")
	}

	now := m.now().In(m.loc)

	oldCounted := 0
	total := 0
	old, err := m.store.GetAttendance(ctx, rec.Username, rec.Date)
	switch {
	case err == nil:
		rec.Source = old.Source
		if old.Counted() {
			oldCounted = 1
		}
	case errors.Is(err, store.ErrNotFound):
		rec.Source = schema.SourceAdmin
		total = 1
	default:
		return nil, fmt.Errorf("correction %s/%s: %w", rec.Username, rec.Date, err)
	}

	rec.EditedBy = admin
	rec.UpdatedAt = now

	if err := m.store.PutAttendance(ctx, rec); err != nil {
		return nil, fmt.Errorf("correction %s/%s: %w", rec.Username, rec.Date, err)
	}

	newCounted := 0
	if rec.Counted() {
		newCounted = 1
	}
	if delta := newCounted - oldCounted; delta != 0 || total != 0 {
		if err := m.store.BumpMonthStat(ctx, rec.Username, rec.Date.MonthKey(), delta, total); err != nil {
			m.logger.Printf("Warning: failed to adjust month stat for %s: %v", rec.Username, err)
		}
	}

	m.logger.Printf("Correction by %s: %s %s -> %s", admin, rec.Username, rec.Date, rec.Status)
	return rec, nil
}

// PresentRate returns the user's present/late share of recorded days
// for a month ("2006-01"). The aggregate is maintained incrementally
// as records are written, never recomputed from history.
func (m *Machine) PresentRate(ctx context.Context, username, month string) (float64, error) {
	counted, total, err := m.store.MonthStat(ctx, username, month)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(counted) / float64(total), nil
}
