package schema

import (
	"fmt"
	"time"
)

// MutationKind is the type of a locally issued write.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// MutationState tracks the reconciliation lifecycle of an optimistic write.
type MutationState string

const (
	// MutationPending means the write was applied locally and no server
	// echo has arrived yet.
	MutationPending MutationState = "pending"
	// MutationConfirmed means a matching server snapshot arrived.
	MutationConfirmed MutationState = "confirmed"
	// MutationReverted means the reconciliation timeout fired and local
	// state was rolled back to last known server truth.
	MutationReverted MutationState = "reverted"
)

// PendingMutation is the journal entry for an optimistic local write.
// It is created when the write is issued and destroyed when a matching
// server echo arrives or the reconciliation timeout elapses.
type PendingMutation struct {
	ID       string        `json:"id"`
	TaskID   string        `json:"task_id"`
	Kind     MutationKind  `json:"kind"`
	IssuedAt time.Time     `json:"issued_at"`
	State    MutationState `json:"state"`

	// Payload is the optimistic task state shown while pending.
	// Nil for delete mutations.
	Payload *Task `json:"payload,omitempty"`
}

// Validate checks the mutation for required fields.
func (m *PendingMutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mutation id is required")
	}
	if m.TaskID == "" {
		return fmt.Errorf("mutation %s: task_id is required", m.ID)
	}
	switch m.Kind {
	case MutationCreate, MutationUpdate, MutationDelete:
	default:
		return fmt.Errorf("mutation %s: invalid kind %q", m.ID, m.Kind)
	}
	if m.Kind != MutationDelete && m.Payload == nil {
		return fmt.Errorf("mutation %s: payload is required for %s", m.ID, m.Kind)
	}
	if m.IssuedAt.IsZero() {
		return fmt.Errorf("mutation %s: issued_at is required", m.ID)
	}
	return nil
}

// DailyLogCandidate proposes a completed task for inclusion in the
// user's personal work log. SourceTaskID is the idempotency key: the
// store guarantees at most one candidate per source task, so duplicate
// completion retries never produce a second entry.
type DailyLogCandidate struct {
	Username     string    `json:"username"`
	Date         Date      `json:"date"`
	SourceTaskID string    `json:"source_task_id"`
	Description  string    `json:"description"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Snapshot is the envelope delivered by the push feed or a full fetch.
//
// A full snapshot replaces the task set: tasks absent from it are
// treated as deleted. A partial snapshot only carries changed tasks
// plus explicit removals.
type Snapshot struct {
	Scope   string    `json:"scope"`
	Full    bool      `json:"full"`
	Tasks   []Task    `json:"tasks,omitempty"`
	Removed []string  `json:"removed,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// CacheEntry is one scope's cached value in the read-through cache.
// An entry is replaced on successful refetch and marked stale (never
// discarded) when a refetch fails.
type CacheEntry struct {
	Scope     string        `json:"scope"`
	Value     []byte        `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
	Stale     bool          `json:"stale"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return !e.Stale && now.Sub(e.FetchedAt) < e.TTL
}

// Settings holds the server-controlled cutoffs consumed by the
// attendance state machine and the sweep daemon. Cutoffs are
// minutes-of-day clock strings, e.g. "09:15".
type Settings struct {
	GraceCutoff string `json:"grace_cutoff"`
	SweepCutoff string `json:"sweep_cutoff"`
}

// CutoffMinutes parses an "HH:MM" cutoff into minutes after midnight.
func CutoffMinutes(cutoff string) (int, error) {
	t, err := time.Parse("15:04", cutoff)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff %q: %w", cutoff, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// MinutesOfDay returns how many minutes past local midnight t is.
func MinutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
