package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

// openStore opens and initializes a store for testing
func openStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

var testDate = schema.Date{Year: 2026, Month: time.March, Day: 10}

// TestOpen_Success tests database creation and initialization
func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	if st.Path() != path {
		t.Errorf("Path() = %q, want %q", st.Path(), path)
	}
}

// TestInitSchema_Idempotent tests that schema creation can run twice
func TestInitSchema_Idempotent(t *testing.T) {
	st := openStore(t)

	if err := st.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	tables := []string{
		"attendance", "month_stats", "pending_mutations",
		"daily_log", "notify_flags", "sweep_runs", "cache_entries",
	}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := st.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestPutAttendance_Upsert tests that a second put replaces the row
func TestPutAttendance_Upsert(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	clockIn := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	rec := &schema.AttendanceRecord{
		Username:  "alice",
		Date:      testDate,
		Status:    schema.AttendancePresent,
		ClockIn:   &clockIn,
		WorkType:  schema.WorkOffice,
		Source:    schema.SourceUser,
		UpdatedAt: clockIn,
	}
	if err := st.PutAttendance(ctx, rec); err != nil {
		t.Fatalf("PutAttendance() failed: %v", err)
	}

	rec.Notes = "half day"
	if err := st.PutAttendance(ctx, rec); err != nil {
		t.Fatalf("second PutAttendance() failed: %v", err)
	}

	got, err := st.GetAttendance(ctx, "alice", testDate)
	if err != nil {
		t.Fatalf("GetAttendance() failed: %v", err)
	}
	if got.Notes != "half day" {
		t.Errorf("Notes = %q, want half day", got.Notes)
	}
	if got.ClockIn == nil || !got.ClockIn.Equal(clockIn) {
		t.Errorf("ClockIn = %v, want %v", got.ClockIn, clockIn)
	}

	count, err := st.CountAttendance(ctx)
	if err != nil {
		t.Fatalf("CountAttendance() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 after upsert", count)
	}
}

// TestGetAttendance_NotFound tests the sentinel error
func TestGetAttendance_NotFound(t *testing.T) {
	st := openStore(t)

	_, err := st.GetAttendance(context.Background(), "nobody", testDate)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestInsertAbsent_FirstWriterWins tests that an existing record blocks
// the absent insert
func TestInsertAbsent_FirstWriterWins(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now()

	inserted, err := st.InsertAbsent(ctx, "alice", testDate, now)
	if err != nil {
		t.Fatalf("InsertAbsent() failed: %v", err)
	}
	if !inserted {
		t.Fatal("first InsertAbsent() reported no insert")
	}

	inserted, err = st.InsertAbsent(ctx, "alice", testDate, now)
	if err != nil {
		t.Fatalf("second InsertAbsent() failed: %v", err)
	}
	if inserted {
		t.Error("second InsertAbsent() reported an insert")
	}

	got, err := st.GetAttendance(ctx, "alice", testDate)
	if err != nil {
		t.Fatalf("GetAttendance() failed: %v", err)
	}
	if got.Status != schema.AttendanceAbsent || got.Source != schema.SourceSweep {
		t.Errorf("record = %+v, want sweep absent", got)
	}
}

// TestBumpMonthStat tests the incremental counter pair
func TestBumpMonthStat(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	if err := st.BumpMonthStat(ctx, "alice", "2026-03", 1, 1); err != nil {
		t.Fatalf("BumpMonthStat() failed: %v", err)
	}
	if err := st.BumpMonthStat(ctx, "alice", "2026-03", 0, 1); err != nil {
		t.Fatalf("BumpMonthStat() failed: %v", err)
	}
	if err := st.BumpMonthStat(ctx, "alice", "2026-03", 1, 1); err != nil {
		t.Fatalf("BumpMonthStat() failed: %v", err)
	}

	counted, total, err := st.MonthStat(ctx, "alice", "2026-03")
	if err != nil {
		t.Fatalf("MonthStat() failed: %v", err)
	}
	if counted != 2 || total != 3 {
		t.Errorf("stat = %d/%d, want 2/3", counted, total)
	}

	// Unknown month reads as zero, not an error.
	counted, total, err = st.MonthStat(ctx, "alice", "2026-04")
	if err != nil {
		t.Fatalf("MonthStat() for empty month failed: %v", err)
	}
	if counted != 0 || total != 0 {
		t.Errorf("empty month stat = %d/%d, want 0/0", counted, total)
	}
}

// TestSaveMutation_RoundTrip tests mutation journaling
func TestSaveMutation_RoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	issued := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	m := &schema.PendingMutation{
		ID:       "m1",
		TaskID:   "t1",
		Kind:     schema.MutationUpdate,
		IssuedAt: issued,
		State:    schema.MutationPending,
		Payload: &schema.Task{
			ID: "t1", Description: "Call the client", AssignedTo: "alice",
			GivenBy: "bob", Deadline: testDate, Priority: schema.PriorityLow,
			Status: schema.StatusDone, CreatedAt: issued, UpdatedAt: issued,
		},
	}
	if err := st.SaveMutation(ctx, m); err != nil {
		t.Fatalf("SaveMutation() failed: %v", err)
	}

	list, err := st.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d mutations, want 1", len(list))
	}
	got := list[0]
	if got.ID != "m1" || got.Kind != schema.MutationUpdate || !got.IssuedAt.Equal(issued) {
		t.Errorf("mutation = %+v", got)
	}
	if got.Payload == nil || got.Payload.Status != schema.StatusDone {
		t.Errorf("payload = %+v, want done task", got.Payload)
	}

	if err := st.DeleteMutation(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMutation() failed: %v", err)
	}
	list, err = st.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("got %d mutations after delete, want 0", len(list))
	}
}

// TestEnqueueDailyLog_Deduplicates tests the per-task idempotency key
func TestEnqueueDailyLog_Deduplicates(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	cand := &schema.DailyLogCandidate{
		Username:     "alice",
		Date:         testDate,
		SourceTaskID: "t1",
		Description:  "Call the client",
		EnqueuedAt:   time.Now(),
	}

	enqueued, err := st.EnqueueDailyLog(ctx, cand)
	if err != nil {
		t.Fatalf("EnqueueDailyLog() failed: %v", err)
	}
	if !enqueued {
		t.Fatal("first enqueue reported no insert")
	}

	enqueued, err = st.EnqueueDailyLog(ctx, cand)
	if err != nil {
		t.Fatalf("second EnqueueDailyLog() failed: %v", err)
	}
	if enqueued {
		t.Error("second enqueue reported an insert")
	}

	list, err := st.ListDailyLog(ctx, "alice", testDate)
	if err != nil {
		t.Fatalf("ListDailyLog() failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d candidates, want 1", len(list))
	}
}

// TestClaimNotifyFlag tests the per-(user, day) notification gate
func TestClaimNotifyFlag(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now()

	claimed, err := st.ClaimNotifyFlag(ctx, "alice", testDate, now)
	if err != nil {
		t.Fatalf("ClaimNotifyFlag() failed: %v", err)
	}
	if !claimed {
		t.Fatal("first claim failed")
	}

	claimed, err = st.ClaimNotifyFlag(ctx, "alice", testDate, now)
	if err != nil {
		t.Fatalf("second ClaimNotifyFlag() failed: %v", err)
	}
	if claimed {
		t.Error("second claim succeeded")
	}

	if err := st.ReleaseNotifyFlag(ctx, "alice", testDate); err != nil {
		t.Fatalf("ReleaseNotifyFlag() failed: %v", err)
	}

	claimed, err = st.ClaimNotifyFlag(ctx, "alice", testDate, now)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if !claimed {
		t.Error("claim after release failed")
	}
}

// TestSweepBookkeeping tests sweep_runs recording
func TestSweepBookkeeping(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	done, err := st.SweepDone(ctx, testDate)
	if err != nil {
		t.Fatalf("SweepDone() failed: %v", err)
	}
	if done {
		t.Fatal("SweepDone() true before any sweep")
	}

	last, err := st.LastSweep(ctx)
	if err != nil {
		t.Fatalf("LastSweep() failed: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("LastSweep() = %s before any sweep", last)
	}

	if err := st.MarkSweepDone(ctx, testDate, 3, time.Now()); err != nil {
		t.Fatalf("MarkSweepDone() failed: %v", err)
	}

	done, err = st.SweepDone(ctx, testDate)
	if err != nil {
		t.Fatalf("SweepDone() failed: %v", err)
	}
	if !done {
		t.Error("SweepDone() false after MarkSweepDone")
	}

	last, err = st.LastSweep(ctx)
	if err != nil {
		t.Fatalf("LastSweep() failed: %v", err)
	}
	if !last.Equal(testDate) {
		t.Errorf("LastSweep() = %s, want %s", last, testDate)
	}
}

// TestCacheEntries tests cache persistence and stale marking
func TestCacheEntries(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	_, err := st.GetCacheEntry(ctx, "tasks")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	entry := &schema.CacheEntry{
		Scope:     "tasks",
		Value:     []byte(`[{"id":"t1"}]`),
		FetchedAt: time.Now(),
		TTL:       time.Minute,
	}
	if err := st.PutCacheEntry(ctx, entry); err != nil {
		t.Fatalf("PutCacheEntry() failed: %v", err)
	}

	got, err := st.GetCacheEntry(ctx, "tasks")
	if err != nil {
		t.Fatalf("GetCacheEntry() failed: %v", err)
	}
	if got.Stale {
		t.Error("fresh entry reads stale")
	}
	if string(got.Value) != `[{"id":"t1"}]` {
		t.Errorf("value = %s", got.Value)
	}

	if err := st.MarkCacheStale(ctx, "tasks"); err != nil {
		t.Fatalf("MarkCacheStale() failed: %v", err)
	}
	got, err = st.GetCacheEntry(ctx, "tasks")
	if err != nil {
		t.Fatalf("GetCacheEntry() failed: %v", err)
	}
	if !got.Stale {
		t.Error("entry not stale after MarkCacheStale")
	}
}
