package attendance

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
	"github.com/pulseboard/pulseboard/internal/store"
)

// testStore opens a temporary store with schema initialized.
func testStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

// fakeNotifier records NotifyHomeWork calls and can simulate failure.
type fakeNotifier struct {
	calls int
	fail  bool
}

func (f *fakeNotifier) NotifyHomeWork(ctx context.Context, username string, day schema.Date, at time.Time) error {
	f.calls++
	if f.fail {
		return errors.New("channel unavailable")
	}
	return nil
}

// testMachine creates a machine with a fixed clock at the given local time.
func testMachine(t *testing.T, st *store.Store, notifier Notifier, at time.Time) *Machine {
	t.Helper()

	m, err := New(st, notifier, &Config{
		GraceCutoff: "09:15",
		Location:    time.UTC,
		Now:         func() time.Time { return at },
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return m
}

var day = schema.Date{Year: 2026, Month: time.March, Day: 10}

func at(hour, min int) time.Time {
	return time.Date(2026, time.March, 10, hour, min, 0, 0, time.UTC)
}

// TestClockIn_Present tests on-time clock-in.
func TestClockIn_Present(t *testing.T) {
	m := testMachine(t, testStore(t), nil, at(9, 0))

	rec, err := m.ClockIn(context.Background(), "alice", schema.WorkOffice, "")
	if err != nil {
		t.Fatalf("ClockIn() failed: %v", err)
	}

	if rec.Status != schema.AttendancePresent {
		t.Errorf("status = %q, want present", rec.Status)
	}
	if rec.ClockIn == nil {
		t.Error("clock_in timestamp missing")
	}
	if rec.Source != schema.SourceUser {
		t.Errorf("source = %q, want user", rec.Source)
	}
}

// TestClockIn_LateAfterGraceCutoff tests the late boundary.
func TestClockIn_LateAfterGraceCutoff(t *testing.T) {
	cases := []struct {
		name string
		time time.Time
		want schema.AttendanceStatus
	}{
		{"before cutoff", at(8, 59), schema.AttendancePresent},
		{"at cutoff", at(9, 15), schema.AttendancePresent},
		{"after cutoff", at(9, 16), schema.AttendanceLate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testMachine(t, testStore(t), nil, tc.time)
			rec, err := m.ClockIn(context.Background(), "alice", schema.WorkOffice, "")
			if err != nil {
				t.Fatalf("ClockIn() failed: %v", err)
			}
			if rec.Status != tc.want {
				t.Errorf("status = %q, want %q", rec.Status, tc.want)
			}
		})
	}
}

// TestClockIn_AlreadyMarked tests the one-record-per-day invariant.
func TestClockIn_AlreadyMarked(t *testing.T) {
	st := testStore(t)
	m := testMachine(t, st, nil, at(9, 0))

	if _, err := m.ClockIn(context.Background(), "alice", schema.WorkOffice, ""); err != nil {
		t.Fatalf("first ClockIn() failed: %v", err)
	}

	_, err := m.ClockIn(context.Background(), "alice", schema.WorkOffice, "")
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Errorf("second ClockIn() error = %v, want ErrAlreadyMarked", err)
	}
}

// TestClockIn_SweepRowSurvives tests the write race against the sweep:
// a sweep absent row landing first is never replaced by a clock-in, and
// the failed clock-in leaves month stats untouched.
func TestClockIn_SweepRowSurvives(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	m := testMachine(t, st, nil, at(9, 0))

	inserted, err := st.InsertAbsent(ctx, "alice", day, at(11, 0))
	if err != nil || !inserted {
		t.Fatalf("InsertAbsent() = %v, %v", inserted, err)
	}

	_, err = m.ClockIn(ctx, "alice", schema.WorkOffice, "")
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("ClockIn() error = %v, want ErrAlreadyMarked", err)
	}

	rec, err := st.GetAttendance(ctx, "alice", day)
	if err != nil {
		t.Fatalf("GetAttendance() failed: %v", err)
	}
	if rec.Status != schema.AttendanceAbsent || rec.Source != schema.SourceSweep {
		t.Errorf("record = %s/%s, want sweep absent", rec.Status, rec.Source)
	}

	counted, total, err := st.MonthStat(ctx, "alice", day.MonthKey())
	if err != nil {
		t.Fatalf("MonthStat() failed: %v", err)
	}
	if counted != 0 || total != 0 {
		t.Errorf("month stat = %d/%d after rejected clock-in, want 0/0", counted, total)
	}
}

// TestMarkLeave_AlreadyMarked tests the same invariant for leave.
func TestMarkLeave_AlreadyMarked(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	m := testMachine(t, st, nil, at(9, 0))

	if _, err := m.MarkLeave(ctx, "alice", "doctor"); err != nil {
		t.Fatalf("MarkLeave() failed: %v", err)
	}

	_, err := m.MarkLeave(ctx, "alice", "again")
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Errorf("second MarkLeave() error = %v, want ErrAlreadyMarked", err)
	}

	counted, total, err := st.MonthStat(ctx, "alice", day.MonthKey())
	if err != nil {
		t.Fatalf("MonthStat() failed: %v", err)
	}
	if counted != 0 || total != 1 {
		t.Errorf("month stat = %d/%d, want 0/1", counted, total)
	}
}

// TestClockOut_AnnotatesRecord tests that clock-out keeps the
// top-level status.
func TestClockOut_AnnotatesRecord(t *testing.T) {
	st := testStore(t)
	m := testMachine(t, st, nil, at(9, 0))

	if _, err := m.ClockIn(context.Background(), "alice", schema.WorkOffice, ""); err != nil {
		t.Fatalf("ClockIn() failed: %v", err)
	}

	rec, err := m.ClockOut(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ClockOut() failed: %v", err)
	}
	if rec.ClockOut == nil {
		t.Fatal("clock_out timestamp missing")
	}
	if rec.Status != schema.AttendancePresent {
		t.Errorf("status = %q, want present (unchanged)", rec.Status)
	}
}

// TestClockOut_WithoutClockIn tests the error path.
func TestClockOut_WithoutClockIn(t *testing.T) {
	m := testMachine(t, testStore(t), nil, at(17, 0))

	_, err := m.ClockOut(context.Background(), "alice")
	if !errors.Is(err, ErrNotClockedIn) {
		t.Errorf("ClockOut() error = %v, want ErrNotClockedIn", err)
	}
}

// TestHomeNotification_AtMostOnce tests the WFH idempotency flag
// across retries and machine restarts.
func TestHomeNotification_AtMostOnce(t *testing.T) {
	st := testStore(t)
	notifier := &fakeNotifier{}
	m := testMachine(t, st, notifier, at(9, 0))

	if _, err := m.ClockIn(context.Background(), "alice", schema.WorkHome, ""); err != nil {
		t.Fatalf("ClockIn() failed: %v", err)
	}
	if notifier.calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", notifier.calls)
	}

	// Retry path: second clock-in fails but must not re-trigger.
	_, _ = m.ClockIn(context.Background(), "alice", schema.WorkHome, "")

	// Restart path: a fresh machine over the same store.
	m2 := testMachine(t, st, notifier, at(9, 5))
	m2.triggerHomeNotification(context.Background(), "alice", day, at(9, 5))

	if notifier.calls != 1 {
		t.Errorf("notifier calls = %d after retries, want 1", notifier.calls)
	}
}

// TestHomeNotification_FailureReleasesFlag tests that a failed send
// leaves the flag reclaimable.
func TestHomeNotification_FailureReleasesFlag(t *testing.T) {
	st := testStore(t)
	notifier := &fakeNotifier{fail: true}
	m := testMachine(t, st, notifier, at(9, 0))

	m.triggerHomeNotification(context.Background(), "alice", day, at(9, 0))
	if notifier.calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", notifier.calls)
	}

	notifier.fail = false
	m.triggerHomeNotification(context.Background(), "alice", day, at(9, 1))
	if notifier.calls != 2 {
		t.Errorf("notifier calls = %d, want 2 (flag released after failure)", notifier.calls)
	}

	// Succeeded now; no further sends.
	m.triggerHomeNotification(context.Background(), "alice", day, at(9, 2))
	if notifier.calls != 2 {
		t.Errorf("notifier calls = %d, want 2", notifier.calls)
	}
}

// TestCorrect_PreservesAuthorship tests the audited overwrite.
func TestCorrect_PreservesAuthorship(t *testing.T) {
	st := testStore(t)
	m := testMachine(t, st, nil, at(9, 0))

	if _, err := m.ClockIn(context.Background(), "alice", schema.WorkOffice, ""); err != nil {
		t.Fatalf("ClockIn() failed: %v", err)
	}

	corrected, err := m.Correct(context.Background(), "hr-admin", &schema.AttendanceRecord{
		Username: "alice",
		Date:     day,
		Status:   schema.AttendanceLeave,
		Notes:    "approved leave, clocked in by mistake",
	})
	if err != nil {
		t.Fatalf("Correct() failed: %v", err)
	}

	if corrected.Source != schema.SourceUser {
		t.Errorf("source = %q, want user (original author preserved)", corrected.Source)
	}
	if corrected.EditedBy != "hr-admin" {
		t.Errorf("edited_by = %q, want hr-admin", corrected.EditedBy)
	}

	stored, err := st.GetAttendance(context.Background(), "alice", day)
	if err != nil {
		t.Fatalf("GetAttendance() failed: %v", err)
	}
	if stored.Status != schema.AttendanceLeave {
		t.Errorf("stored status = %q, want leave", stored.Status)
	}
}

// TestPresentRate_Incremental tests the monthly aggregate as records
// stream in.
func TestPresentRate_Incremental(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	// Three days: present, late (counted), leave (not counted).
	for i, wt := range []struct {
		clock time.Time
		leave bool
	}{
		{at(9, 0), false},
		{at(10, 0), false},
		{time.Time{}, true},
	} {
		tick := time.Date(2026, time.March, 10+i, 9, 0, 0, 0, time.UTC)
		if !wt.clock.IsZero() {
			tick = time.Date(2026, time.March, 10+i, wt.clock.Hour(), wt.clock.Minute(), 0, 0, time.UTC)
		}
		m := testMachine(t, st, nil, tick)
		if wt.leave {
			if _, err := m.MarkLeave(ctx, "alice", "pto"); err != nil {
				t.Fatalf("MarkLeave() failed: %v", err)
			}
		} else {
			if _, err := m.ClockIn(ctx, "alice", schema.WorkOffice, ""); err != nil {
				t.Fatalf("ClockIn() failed: %v", err)
			}
		}
	}

	m := testMachine(t, st, nil, at(12, 0))
	rate, err := m.PresentRate(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("PresentRate() failed: %v", err)
	}
	if want := 2.0 / 3.0; rate < want-1e-9 || rate > want+1e-9 {
		t.Errorf("rate = %v, want %v", rate, want)
	}
}
