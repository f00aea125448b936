// Package daemon provides the scheduler that runs the auto-absent sweep.
//
// The daemon:
// 1. Ticks on a fixed interval
// 2. Runs the sweep once per business day once the cutoff has passed
// 3. Retries a failed day on the next tick only
// 4. Reloads cutoff settings when the config file changes
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/pulseboard/pulseboard/internal/attendance"
	"github.com/pulseboard/pulseboard/internal/schema"
)

// Roster supplies the usernames the sweep runs against.
type Roster interface {
	ListUsernames(ctx context.Context) ([]string, error)
}

// RosterFunc adapts a function to the Roster interface.
type RosterFunc func(ctx context.Context) ([]string, error)

// ListUsernames calls f.
func (f RosterFunc) ListUsernames(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Config holds configuration for the daemon.
type Config struct {
	// Tick is how often the daemon checks whether a sweep is due.
	Tick time.Duration

	// SweepCutoff is the "HH:MM" local time after which unmarked users
	// are swept to absent.
	SweepCutoff string

	// Location is the business timezone.
	Location *time.Location

	// Now is the clock, overridable in tests.
	Now func() time.Time

	// OnSweep is called after every completed sweep run.
	OnSweep func(result *attendance.SweepResult)

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Tick:        time.Minute,
		SweepCutoff: "11:00",
		Location:    time.Local,
		Now:         time.Now,
		Logger:      log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules the auto-absent sweep.
type Daemon struct {
	machine *attendance.Machine
	roster  Roster
	config  *Config

	mu            sync.Mutex
	cutoffMinutes int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
func New(machine *attendance.Machine, roster Roster, config *Config) (*Daemon, error) {
	if machine == nil {
		return nil, fmt.Errorf("machine cannot be nil")
	}
	if roster == nil {
		return nil, fmt.Errorf("roster cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Tick <= 0 {
		config.Tick = time.Minute
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	minutes, err := schema.CutoffMinutes(config.SweepCutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep cutoff: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		machine:       machine,
		roster:        roster,
		config:        config,
		cutoffMinutes: minutes,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start begins the daemon's operation. This blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sweep daemon")

	d.wg.Add(1)
	go d.tickLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sweep daemon")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Sweep daemon stopped")
	return nil
}

// WatchConfig registers for config file changes on v and reloads the
// sweep cutoff (and the machine's grace cutoff) when the file changes.
// Call before v.WatchConfig().
func (d *Daemon) WatchConfig(v *viper.Viper) {
	v.OnConfigChange(func(event fsnotify.Event) {
		d.config.Logger.Printf("Config file changed: %s", event.Name)

		if cutoff := v.GetString("attendance.sweep_cutoff"); cutoff != "" {
			if err := d.UpdateSweepCutoff(cutoff); err != nil {
				d.config.Logger.Printf("Warning: ignoring bad sweep cutoff %q: %v", cutoff, err)
			}
		}
		if cutoff := v.GetString("attendance.grace_cutoff"); cutoff != "" {
			if err := d.machine.UpdateGraceCutoff(cutoff); err != nil {
				d.config.Logger.Printf("Warning: ignoring bad grace cutoff %q: %v", cutoff, err)
			}
		}
	})
}

// UpdateSweepCutoff replaces the sweep cutoff at runtime.
func (d *Daemon) UpdateSweepCutoff(cutoff string) error {
	minutes, err := schema.CutoffMinutes(cutoff)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cutoffMinutes = minutes
	d.mu.Unlock()
	d.config.Logger.Printf("Sweep cutoff now %s", cutoff)
	return nil
}

// tickLoop checks on every tick whether today's sweep is due.
func (d *Daemon) tickLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Tick)
	defer ticker.Stop()

	// Check once at startup so a daemon started after the cutoff does
	// not wait a full tick.
	d.maybeSweep()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.maybeSweep()
		}
	}
}

// maybeSweep runs the sweep if the cutoff has passed and today has not
// been swept. RunSweep itself skips days already marked done, so a tick
// after a completed sweep is a no-op.
func (d *Daemon) maybeSweep() {
	now := d.config.Now().In(d.config.Location)

	d.mu.Lock()
	cutoff := d.cutoffMinutes
	d.mu.Unlock()

	if schema.MinutesOfDay(now) < cutoff {
		return
	}

	result, err := d.RunOnce(d.ctx, schema.DateOf(now))
	if err != nil {
		// Leave the day unmarked; the next tick retries.
		d.config.Logger.Printf("Sweep failed, will retry next tick: %v", err)
		return
	}
	if result.AlreadyDone {
		return
	}
	if d.config.OnSweep != nil {
		d.config.OnSweep(result)
	}
}

// RunOnce runs the sweep for one day against the current roster.
func (d *Daemon) RunOnce(ctx context.Context, day schema.Date) (*attendance.SweepResult, error) {
	usernames, err := d.roster.ListUsernames(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing roster: %w", err)
	}
	result, err := d.machine.RunSweep(ctx, day, usernames)
	if err != nil {
		return nil, err
	}
	if !result.AlreadyDone {
		d.config.Logger.Printf("Sweep for %s: marked %d absent, skipped %d", day, result.Marked, result.Skipped)
	}
	return result, nil
}
