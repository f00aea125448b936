package attendance

import (
	"context"
	"fmt"

	"github.com/pulseboard/pulseboard/internal/schema"
)

// SweepResult summarizes one auto-absent sweep run.
type SweepResult struct {
	Date schema.Date

	// Marked is how many absent records this run inserted.
	Marked int

	// Skipped is how many roster users already had a record.
	Skipped int

	// AlreadyDone is true when the day was swept by an earlier run and
	// this invocation was a no-op.
	AlreadyDone bool
}

// RunSweep closes out the given day: every roster user with no record
// gets an absent row written by the sweep.
//
// The run is idempotent two ways: a completed day is skipped entirely
// via the sweep bookkeeping, and within a run each insert re-checks
// record existence at write time (single INSERT ... DO NOTHING), so
// sweeping concurrently with live clock-ins can never duplicate or
// clobber a user's explicit record.
//
// On failure the day is NOT marked done and no in-process retry
// happens; the next scheduled run picks it up.
func (m *Machine) RunSweep(ctx context.Context, day schema.Date, roster []string) (*SweepResult, error) {
	result := &SweepResult{Date: day}

	done, err := m.store.SweepDone(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("sweep %s: %w", day, err)
	}
	if done {
		m.logger.Printf("Sweep for %s already completed, skipping", day)
		result.AlreadyDone = true
		return result, nil
	}

	now := m.now().In(m.loc)

	for _, username := range roster {
		inserted, err := m.store.InsertAbsent(ctx, username, day, now)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: user %s: %w", day, username, err)
		}
		if !inserted {
			result.Skipped++
			continue
		}
		result.Marked++

		if err := m.store.BumpMonthStat(ctx, username, day.MonthKey(), 0, 1); err != nil {
			m.logger.Printf("Warning: failed to bump month stat for %s: %v", username, err)
		}
	}

	if err := m.store.MarkSweepDone(ctx, day, result.Marked, now); err != nil {
		return nil, fmt.Errorf("sweep %s: %w", day, err)
	}

	m.logger.Printf("Sweep complete for %s: marked=%d skipped=%d", day, result.Marked, result.Skipped)
	return result, nil
}
