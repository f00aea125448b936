// Package engine implements the task sync engine: the merge point
// between the server push feed and locally issued optimistic writes.
//
// The engine owns the displayed task collection. Apply() folds in
// server snapshots, Mutate() applies optimistic local changes, and a
// per-mutation reconciliation timer reverts writes whose server echo
// never arrives. All entry points serialize through one mutex, so
// local mutation is single-writer even though timers fire on their own
// goroutines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulseboard/pulseboard/internal/schema"
	"github.com/pulseboard/pulseboard/internal/store"
)

// ErrReconcileTimeout is surfaced when a pending mutation sees no
// server echo before the reconciliation timeout. It means the write
// was probably lost, not that it definitely failed.
var ErrReconcileTimeout = errors.New("reconciliation timed out, write likely lost")

// ErrClosed is returned by entry points after Close().
var ErrClosed = errors.New("engine is closed")

// Config holds engine configuration.
type Config struct {
	// ReconcileTimeout is how long a pending mutation waits for its
	// server echo before reverting (default 10s).
	ReconcileTimeout time.Duration

	// Location is the zone used for calendar-date comparisons
	// (overdue predicate, daily log day). Defaults to time.Local.
	Location *time.Location

	// Now is the clock source, overridable in tests.
	Now func() time.Time

	// Viewer is the local user; completed tasks are logged under it.
	Viewer string

	// OnReconcileFailure is invoked (outside the engine lock) when a
	// mutation reverts. May be nil.
	OnReconcileFailure func(taskID string, err error)

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconcileTimeout: 10 * time.Second,
		Location:         time.Local,
		Now:              time.Now,
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Stats are the aggregate counts over the displayed task set. They are
// recomputed from the full set on every Apply/Mutate, never patched
// incrementally, so they cannot drift.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Overdue   int `json:"overdue"`
}

// pendingEntry tracks one optimistic write awaiting reconciliation.
type pendingEntry struct {
	mutation *schema.PendingMutation
	timer    *time.Timer
}

// Engine merges server snapshots with pending local writes.
type Engine struct {
	mu      sync.Mutex
	store   *store.Store
	config  *Config
	display map[string]*schema.Task // what the UI sees
	server  map[string]*schema.Task // last known server truth
	pending map[string]*pendingEntry
	stats   Stats
	closed  bool
}

// New creates an engine backed by the given store.
//
// Mutations journaled by a previous run are resumed: their optimistic
// state is re-applied and their timers restarted with the remaining
// timeout. Mutations whose timeout already elapsed revert immediately.
func New(st *store.Store, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ReconcileTimeout <= 0 {
		config.ReconcileTimeout = 10 * time.Second
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	e := &Engine{
		store:   st,
		config:  config,
		display: make(map[string]*schema.Task),
		server:  make(map[string]*schema.Task),
		pending: make(map[string]*pendingEntry),
	}

	if err := e.resumeJournal(); err != nil {
		return nil, err
	}

	return e, nil
}

// resumeJournal reloads pending mutations written by a previous run.
func (e *Engine) resumeJournal() error {
	mutations, err := e.store.ListMutations(context.Background())
	if err != nil {
		return fmt.Errorf("failed to resume mutation journal: %w", err)
	}

	now := e.config.Now()
	for _, m := range mutations {
		if m.State != schema.MutationPending {
			// Confirmed/reverted rows are leftovers, clean them up.
			_ = e.store.DeleteMutation(context.Background(), m.ID)
			continue
		}

		remaining := e.config.ReconcileTimeout - now.Sub(m.IssuedAt)
		if remaining <= 0 {
			e.config.Logger.Printf("Dropping expired mutation %s (task %s)", m.ID, m.TaskID)
			_ = e.store.DeleteMutation(context.Background(), m.ID)
			continue
		}

		entry := &pendingEntry{mutation: m}
		if m.Kind != schema.MutationDelete {
			e.display[m.TaskID] = m.Payload.Clone()
		}
		entry.timer = e.startTimer(m.ID, m.TaskID, remaining)
		e.pending[m.TaskID] = entry
		e.config.Logger.Printf("Resumed pending mutation %s (task %s, %v remaining)",
			m.ID, m.TaskID, remaining.Round(time.Millisecond))
	}

	e.recomputeStats()
	return nil
}

// Today returns the current calendar date in the engine's location.
func (e *Engine) Today() schema.Date {
	return schema.DateOf(e.config.Now().In(e.config.Location))
}

// Apply merges a server snapshot into local state.
//
// Tasks with no pending mutation adopt the server value (last writer
// wins, not field-merged). A task with a pending mutation keeps its
// optimistic value unless the snapshot's revision is at or after the
// mutation's IssuedAt, which counts as the server echo: the pending
// flag clears, the timer is cancelled and server truth is adopted.
func (e *Engine) Apply(snap *schema.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	for i := range snap.Tasks {
		task := &snap.Tasks[i]
		if err := task.Validate(); err != nil {
			e.config.Logger.Printf("Warning: skipping invalid task in snapshot: %v", err)
			continue
		}

		e.server[task.ID] = task.Clone()

		entry, hasPending := e.pending[task.ID]
		if !hasPending {
			e.display[task.ID] = task.Clone()
			continue
		}

		if task.UpdatedAt.Before(entry.mutation.IssuedAt) {
			// Predates the local write: optimistic value stays
			// authoritative for display.
			continue
		}

		e.confirmLocked(entry, task.Clone())
	}

	for _, id := range snap.Removed {
		e.adoptRemovalLocked(id, snap.SentAt)
	}

	if snap.Full {
		seen := make(map[string]bool, len(snap.Tasks))
		for i := range snap.Tasks {
			seen[snap.Tasks[i].ID] = true
		}
		for id := range e.server {
			if !seen[id] {
				e.adoptRemovalLocked(id, snap.SentAt)
			}
		}
	}

	e.recomputeStats()
	return nil
}

// adoptRemovalLocked handles a task the server no longer has.
func (e *Engine) adoptRemovalLocked(id string, revision time.Time) {
	entry, hasPending := e.pending[id]
	if hasPending {
		if revision.Before(entry.mutation.IssuedAt) {
			// Removal predates the local write; keep the optimistic
			// value (e.g. a create still in flight).
			return
		}
		e.confirmLocked(entry, nil)
	}
	delete(e.server, id)
	delete(e.display, id)
}

// confirmLocked resolves a pending mutation with server truth.
// serverTask nil means the server deleted the task.
func (e *Engine) confirmLocked(entry *pendingEntry, serverTask *schema.Task) {
	id := entry.mutation.TaskID

	// Cancel before anything else so a concurrent timeout can't fire a
	// stale revert.
	entry.timer.Stop()
	delete(e.pending, id)

	entry.mutation.State = schema.MutationConfirmed
	if err := e.store.DeleteMutation(context.Background(), entry.mutation.ID); err != nil {
		e.config.Logger.Printf("Warning: failed to clear mutation %s: %v", entry.mutation.ID, err)
	}

	if serverTask == nil {
		delete(e.display, id)
		delete(e.server, id)
	} else {
		e.display[id] = serverTask
	}

	e.config.Logger.Printf("Confirmed mutation %s (task %s)", entry.mutation.ID, id)
}

// Mutate applies an optimistic local change and returns immediately.
//
// The change is visible to readers at once; the server write happens
// out of band. If no matching server echo arrives within the
// reconciliation timeout the change reverts to last known server truth
// and OnReconcileFailure fires.
//
// A pending→done transition enqueues a daily log candidate keyed by
// the task id; completing the same task twice never creates a second
// candidate. done→pending (undo) does not retract the candidate.
func (e *Engine) Mutate(taskID string, kind schema.MutationKind, payload *schema.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if kind != schema.MutationDelete {
		if payload == nil {
			return fmt.Errorf("task %s: payload is required for %s", taskID, kind)
		}
		if err := payload.Validate(); err != nil {
			return fmt.Errorf("invalid mutation payload: %w", err)
		}
	}

	now := e.config.Now()

	// Supersede an existing pending mutation for the same task: one
	// reconciliation window per task at a time.
	if old, ok := e.pending[taskID]; ok {
		old.timer.Stop()
		if err := e.store.DeleteMutation(context.Background(), old.mutation.ID); err != nil {
			e.config.Logger.Printf("Warning: failed to clear superseded mutation %s: %v", old.mutation.ID, err)
		}
		delete(e.pending, taskID)
	}

	mutation := &schema.PendingMutation{
		ID:       uuid.NewString(),
		TaskID:   taskID,
		Kind:     kind,
		IssuedAt: now,
		State:    schema.MutationPending,
	}
	if payload != nil {
		mutation.Payload = payload.Clone()
	}

	if err := e.store.SaveMutation(context.Background(), mutation); err != nil {
		return fmt.Errorf("failed to journal mutation for task %s: %w", taskID, err)
	}

	// Completion side effect, before the display flips: dedup is on
	// the task id, so retries are harmless.
	if kind != schema.MutationDelete && payload.Status == schema.StatusDone {
		if old, shown := e.display[taskID]; shown && old.Status == schema.StatusPending {
			e.enqueueDailyLogLocked(payload, now)
		}
	}

	switch kind {
	case schema.MutationDelete:
		delete(e.display, taskID)
	default:
		e.display[taskID] = payload.Clone()
	}

	entry := &pendingEntry{mutation: mutation}
	entry.timer = e.startTimer(mutation.ID, taskID, e.config.ReconcileTimeout)
	e.pending[taskID] = entry

	e.recomputeStats()
	return nil
}

// enqueueDailyLogLocked proposes a completed task for the work log.
func (e *Engine) enqueueDailyLogLocked(task *schema.Task, now time.Time) {
	viewer := e.config.Viewer
	if viewer == "" {
		viewer = task.AssignedTo
	}

	created, err := e.store.EnqueueDailyLog(context.Background(), &schema.DailyLogCandidate{
		Username:     viewer,
		Date:         schema.DateOf(now.In(e.config.Location)),
		SourceTaskID: task.ID,
		Description:  task.Description,
		EnqueuedAt:   now,
	})
	if err != nil {
		e.config.Logger.Printf("Warning: failed to enqueue daily log for task %s: %v", task.ID, err)
		return
	}
	if created {
		e.config.Logger.Printf("Enqueued daily log candidate for task %s", task.ID)
	}
}

// startTimer arms the reconciliation timeout for a mutation.
func (e *Engine) startTimer(mutationID, taskID string, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		e.timeoutFired(mutationID, taskID)
	})
}

// timeoutFired reverts a mutation whose echo never arrived.
func (e *Engine) timeoutFired(mutationID, taskID string) {
	e.mu.Lock()

	entry, ok := e.pending[taskID]
	if !ok || entry.mutation.ID != mutationID || e.closed {
		// Already confirmed, superseded, or engine torn down.
		e.mu.Unlock()
		return
	}

	delete(e.pending, taskID)
	entry.mutation.State = schema.MutationReverted
	if err := e.store.DeleteMutation(context.Background(), mutationID); err != nil {
		e.config.Logger.Printf("Warning: failed to clear reverted mutation %s: %v", mutationID, err)
	}

	// Revert display to last known server truth. A task the server
	// never acknowledged (optimistic create) simply disappears.
	if serverTask, ok := e.server[taskID]; ok {
		e.display[taskID] = serverTask.Clone()
	} else {
		delete(e.display, taskID)
	}

	e.recomputeStats()
	callback := e.config.OnReconcileFailure
	e.mu.Unlock()

	e.config.Logger.Printf("Reverted mutation %s (task %s): no server echo", mutationID, taskID)
	if callback != nil {
		callback(taskID, fmt.Errorf("task %s: %w", taskID, ErrReconcileTimeout))
	}
}

// Task returns a copy of the displayed task, or false if absent.
func (e *Engine) Task(id string) (*schema.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.display[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of all displayed tasks.
func (e *Engine) Tasks() []*schema.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*schema.Task, 0, len(e.display))
	for _, task := range e.display {
		out = append(out, task.Clone())
	}
	return out
}

// Pending reports whether a task has an unreconciled local write.
func (e *Engine) Pending(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[taskID]
	return ok
}

// Stats returns the aggregate counts over the displayed set.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// recomputeStats derives counts from the full displayed set.
func (e *Engine) recomputeStats() {
	today := schema.DateOf(e.config.Now().In(e.config.Location))

	var s Stats
	for _, task := range e.display {
		s.Total++
		switch task.Status {
		case schema.StatusDone:
			s.Completed++
		case schema.StatusPending:
			s.Pending++
		}
		if task.IsOverdue(today) {
			s.Overdue++
		}
	}
	e.stats = s
}

// Close tears the engine down: all reconciliation timers are cancelled
// and further entry points return ErrClosed. Journaled mutations stay
// in the store so a restart can resume them.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for _, entry := range e.pending {
		entry.timer.Stop()
	}
	e.pending = make(map[string]*pendingEntry)

	return nil
}
