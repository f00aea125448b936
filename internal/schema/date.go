package schema

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for calendar dates (no time component).
const DateLayout = "2006-01-02"

// Date is a calendar date with no time-of-day component.
//
// Deadlines and attendance days are civil dates: two Dates are equal when
// their year, month and day match, regardless of zone or clock time on
// either side.
type Date struct {
	Year  int        `json:"-"`
	Month time.Month `json:"-"`
	Day   int        `json:"-"`
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a date in DateLayout form (e.g. "2026-03-01").
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// String returns the date in DateLayout form.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// Equal reports whether d and other are the same calendar date.
func (d Date) Equal(other Date) bool {
	return d == other
}

// MonthKey returns the "2006-01" aggregation key for this date.
func (d Date) MonthKey() string {
	return fmt.Sprintf("%04d-%02d", d.Year, d.Month)
}

// MarshalJSON encodes the date as a DateLayout string.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes a DateLayout string.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date literal %s", s)
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
