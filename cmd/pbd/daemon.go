package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pulseboard/pulseboard/internal/api"
	"github.com/pulseboard/pulseboard/internal/attendance"
	"github.com/pulseboard/pulseboard/internal/cache"
	"github.com/pulseboard/pulseboard/internal/daemon"
	"github.com/pulseboard/pulseboard/internal/engine"
	"github.com/pulseboard/pulseboard/internal/hub"
	"github.com/pulseboard/pulseboard/internal/notify"
	"github.com/pulseboard/pulseboard/internal/schema"
	"github.com/pulseboard/pulseboard/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "run",
	Short:   "Run the sync daemon",
	Long: `Run the PulseBoard sync daemon.

The daemon:
  1. Opens the local state database and resumes any journaled mutations
  2. Connects to the hub for snapshot pushes and cache invalidations
  3. Applies server snapshots to the sync engine
  4. Runs the auto-absent sweep once per business day after the cutoff
  5. Reloads cutoffs when the config file changes

Example usage:
  pbd daemon
  pbd daemon --config /etc/pulseboard/pulseboard.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// newLogger builds the daemon logger, rotating through lumberjack when
// log.file is set.
func newLogger(prefix string) *log.Logger {
	var sink io.Writer = os.Stderr
	if file := viper.GetString("log.file"); file != "" {
		sink = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
		}
	}
	return log.New(sink, prefix, log.LstdFlags)
}

func runDaemon() error {
	logger := newLogger("[pbd] ")

	st, err := store.Open(viper.GetString("store.path"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	apiClient := api.New(viper.GetString("api.base_url"), viper.GetString("api.token"))

	// Server-side cutoffs win over the local config file when reachable.
	graceCutoff := viper.GetString("attendance.grace_cutoff")
	sweepCutoff := viper.GetString("attendance.sweep_cutoff")
	if settings, err := apiClient.FetchSettings(ctx); err != nil {
		logger.Printf("Warning: using configured cutoffs, settings fetch failed: %v", err)
	} else {
		graceCutoff = settings.GraceCutoff
		sweepCutoff = settings.SweepCutoff
	}

	composer := notify.NewComposer(
		viper.GetString("attendance.notify_recipient"),
		notify.SenderFunc(func(ctx context.Context, msg notify.Message) error {
			// Delivery channel pending; log keeps the trigger auditable.
			logger.Printf("NOTIFY %s: %s", msg.Recipient, msg.Body)
			return nil
		}),
		logger,
	)

	machine, err := attendance.New(st, composer, &attendance.Config{
		GraceCutoff: graceCutoff,
		Logger:      newLogger("[attendance] "),
	})
	if err != nil {
		return fmt.Errorf("creating attendance machine: %w", err)
	}

	eng, err := engine.New(st, &engine.Config{
		ReconcileTimeout: viper.GetDuration("engine.reconcile_timeout"),
		Viewer:           viper.GetString("api.username"),
		OnReconcileFailure: func(taskID string, err error) {
			logger.Printf("Mutation on %s reverted: %v", taskID, err)
		},
		Logger: newLogger("[engine] "),
	})
	if err != nil {
		return fmt.Errorf("creating sync engine: %w", err)
	}
	defer eng.Close()

	// The hub carries both snapshot pushes and cross-context cache
	// invalidations. Without a hub the cache falls back to an
	// in-process bus.
	var bus cache.Bus = cache.NewMemoryBus()
	if hubURL := viper.GetString("hub.url"); hubURL != "" {
		client, err := hub.Dial(ctx, hubURL, newLogger("[hub] "))
		if err != nil {
			return fmt.Errorf("connecting to hub: %w", err)
		}
		defer client.Close()
		bus = client.Bus()

		unsub := client.Subscribe("tasks", func(snap *schema.Snapshot) {
			if err := eng.Apply(snap); err != nil {
				logger.Printf("Warning: applying snapshot: %v", err)
			}
		})
		defer unsub()
	}

	readCache, err := cache.New(st, bus, &cache.Config{
		TTL:    viper.GetDuration("cache.ttl"),
		Logger: newLogger("[cache] "),
	})
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	defer readCache.Close()

	// Cold start: everything persisted before this process is suspect
	// until revalidated against the server.
	if err := readCache.MarkAllSuspect(ctx); err != nil {
		logger.Printf("Warning: marking cache suspect: %v", err)
	}

	roster := daemon.RosterFunc(func(ctx context.Context) ([]string, error) {
		users, err := apiClient.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		usernames := make([]string, 0, len(users))
		for _, u := range users {
			usernames = append(usernames, u.Username)
		}
		return usernames, nil
	})

	d, err := daemon.New(machine, roster, &daemon.Config{
		Tick:        viper.GetDuration("daemon.tick"),
		SweepCutoff: sweepCutoff,
		OnSweep: func(result *attendance.SweepResult) {
			logger.Printf("Sweep complete for %s: %d marked absent", result.Date, result.Marked)
			if err := readCache.Invalidate(ctx, "attendance"); err != nil {
				logger.Printf("Warning: invalidating attendance cache: %v", err)
			}
		},
		Logger: newLogger("[daemon] "),
	})
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	d.WatchConfig(viper.GetViper())
	viper.WatchConfig()

	logger.Printf("Daemon started (store %s)", st.Path())
	return d.Start(ctx)
}
