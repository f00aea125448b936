package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulseboard/pulseboard/internal/api"
	"github.com/pulseboard/pulseboard/internal/attendance"
	"github.com/pulseboard/pulseboard/internal/daemon"
	"github.com/pulseboard/pulseboard/internal/schema"
	"github.com/pulseboard/pulseboard/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:     "sweep",
	GroupID: "ops",
	Short:   "Run the auto-absent sweep once",
	Long: `Run the auto-absent sweep for a single day.

Every roster user without an attendance record for the day is marked
absent. Users who already have a record (present, late, leave, or a
prior absence) are left untouched. Running the sweep twice for the same
day is a no-op.

Example usage:
  pbd sweep                  # sweep today
  pbd sweep --date 2026-03-09`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dateFlag, _ := cmd.Flags().GetString("date")

		day := schema.DateOf(time.Now())
		if dateFlag != "" {
			parsed, err := schema.ParseDate(dateFlag)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			day = parsed
		}

		st, err := store.Open(viper.GetString("store.path"))
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		if err := st.InitSchema(); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}

		machine, err := attendance.New(st, nil, &attendance.Config{
			GraceCutoff: viper.GetString("attendance.grace_cutoff"),
			Logger:      newLogger("[attendance] "),
		})
		if err != nil {
			return err
		}

		apiClient := api.New(viper.GetString("api.base_url"), viper.GetString("api.token"))
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
			SweepCutoff: viper.GetString("attendance.sweep_cutoff"),
			Logger:      newLogger("[daemon] "),
		})
		if err != nil {
			return err
		}

		result, err := d.RunOnce(cmd.Context(), day)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}

		if result.AlreadyDone {
			fmt.Printf("Sweep for %s already completed, nothing to do\n", day)
			return nil
		}
		fmt.Printf("Sweep for %s: %d marked absent, %d already marked\n",
			day, result.Marked, result.Skipped)
		return nil
	},
}

func init() {
	sweepCmd.Flags().String("date", "", "day to sweep (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(sweepCmd)
}
