package schema

import (
	"fmt"
	"time"
)

// AttendanceStatus is the per-day attendance state for a user.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceAbsent  AttendanceStatus = "absent"
	AttendanceLeave   AttendanceStatus = "leave"
	AttendanceLate    AttendanceStatus = "late"
)

// WorkType records where the user worked that day.
type WorkType string

const (
	WorkOffice     WorkType = "office"
	WorkHome       WorkType = "home"
	WorkClientSite WorkType = "client_site"
	WorkField      WorkType = "field"
)

// RecordSource identifies who wrote an attendance record.
type RecordSource string

const (
	// SourceUser is an explicit clock-in/out or leave request by the user.
	SourceUser RecordSource = "user"
	// SourceAdmin is an administrative correction.
	SourceAdmin RecordSource = "admin"
	// SourceSweep is the auto-absent sweep.
	SourceSweep RecordSource = "sweep"
)

// AttendanceRecord is the per-(user, day) attendance row. At most one
// record exists per (Username, Date); the store enforces this with a
// composite primary key.
type AttendanceRecord struct {
	Username string           `json:"username"`
	Date     Date             `json:"date"`
	Status   AttendanceStatus `json:"status"`

	ClockIn  *time.Time `json:"clock_in,omitempty"`
	ClockOut *time.Time `json:"clock_out,omitempty"`

	WorkType WorkType `json:"work_type,omitempty"`
	Notes    string   `json:"notes,omitempty"`

	// Source is who originally wrote the record. An admin correction
	// overwrites fields but keeps Source and sets EditedBy, so the
	// author/editor distinction survives the audit overwrite.
	Source   RecordSource `json:"source"`
	EditedBy string       `json:"edited_by,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the record for required fields and legal enum values.
func (r *AttendanceRecord) Validate() error {
	if r.Username == "" {
		return fmt.Errorf("username is required")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("attendance %s: date is required", r.Username)
	}
	switch r.Status {
	case AttendancePresent, AttendanceAbsent, AttendanceLeave, AttendanceLate:
	default:
		return fmt.Errorf("attendance %s/%s: invalid status %q", r.Username, r.Date, r.Status)
	}
	switch r.WorkType {
	case "", WorkOffice, WorkHome, WorkClientSite, WorkField:
	default:
		return fmt.Errorf("attendance %s/%s: invalid work type %q", r.Username, r.Date, r.WorkType)
	}
	switch r.Source {
	case SourceUser, SourceAdmin, SourceSweep:
	default:
		return fmt.Errorf("attendance %s/%s: invalid source %q", r.Username, r.Date, r.Source)
	}
	if r.Status != AttendancePresent && r.Status != AttendanceLate && r.ClockOut != nil {
		return fmt.Errorf("attendance %s/%s: clock_out requires present or late status", r.Username, r.Date)
	}
	return nil
}

// Counted reports whether the record counts toward the monthly
// present-rate numerator. Late arrivals still count as attendance.
func (r *AttendanceRecord) Counted() bool {
	return r.Status == AttendancePresent || r.Status == AttendanceLate
}
