// Package schema provides the data model for the pulseboard sync core.
//
// All types are closed structs validated at the ingestion boundary
// (push feed and REST responses), so downstream components never see
// loosely-shaped records.
package schema

import (
	"fmt"
	"time"
)

// Priority is the task priority level.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// TaskStatus is the completion state of a task.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusDone    TaskStatus = "done"
)

// Comment is a single entry in a task's comment thread.
type Comment struct {
	Author  string    `json:"author"`
	At      time.Time `json:"at"`
	Content string    `json:"content"`
	Edited  bool      `json:"edited,omitempty"`
}

// Task represents an assigned unit of work as delivered by the
// server-of-record.
//
// UpdatedAt doubles as the revision stamp used for reconciliation
// ordering: a snapshot whose UpdatedAt is at or after a pending
// mutation's IssuedAt counts as the server echo for that mutation.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`

	AssignedTo string `json:"assigned_to"`
	GivenBy    string `json:"given_by"`
	ClientName string `json:"client_name,omitempty"`

	Deadline Date       `json:"deadline"`
	Priority Priority   `json:"priority"`
	Status   TaskStatus `json:"status"`

	// Three note fields with distinct visibility scopes. The server
	// enforces visibility; locally they are just independent fields.
	SharedNotes   string `json:"shared_notes,omitempty"`
	AssigneeNotes string `json:"assignee_notes,omitempty"`
	AssignerNotes string `json:"assigner_notes,omitempty"`

	Comments []Comment `json:"comments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the task for required fields and legal enum values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Description == "" {
		return fmt.Errorf("task %s: description is required", t.ID)
	}
	if t.AssignedTo == "" {
		return fmt.Errorf("task %s: assigned_to is required", t.ID)
	}
	switch t.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	switch t.Status {
	case StatusPending, StatusDone:
	default:
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	if t.Deadline.IsZero() {
		return fmt.Errorf("task %s: deadline is required", t.ID)
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("task %s: updated_at is required", t.ID)
	}
	return nil
}

// IsOverdue reports whether the task is overdue as of the given calendar
// day. A deadline equal to today is never overdue, and a done task is
// never overdue regardless of deadline.
func (t *Task) IsOverdue(today Date) bool {
	return t.Status == StatusPending && t.Deadline.Before(today)
}

// Clone returns a deep copy of the task. The engine hands copies to
// callers so displayed state can never be mutated behind its back.
func (t *Task) Clone() *Task {
	out := *t
	if t.Comments != nil {
		out.Comments = make([]Comment, len(t.Comments))
		copy(out.Comments, t.Comments)
	}
	return &out
}
