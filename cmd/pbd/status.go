package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulseboard/pulseboard/internal/schema"
	"github.com/pulseboard/pulseboard/internal/store"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "ops",
	Short:   "Show local state counts and sweep bookkeeping",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(viper.GetString("store.path"))
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		if err := st.InitSchema(); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}

		ctx := cmd.Context()

		attendanceCount, err := st.CountAttendance(ctx)
		if err != nil {
			return err
		}
		mutations, err := st.ListMutations(ctx)
		if err != nil {
			return err
		}
		dailyLogCount, err := st.CountDailyLog(ctx)
		if err != nil {
			return err
		}
		lastSweep, err := st.LastSweep(ctx)
		if err != nil {
			return err
		}

		today := schema.DateOf(time.Now())
		todayDone, err := st.SweepDone(ctx, today)
		if err != nil {
			return err
		}

		fmt.Printf("Store: %s\n\n", st.Path())
		fmt.Printf("Attendance records:  %d\n", attendanceCount)
		fmt.Printf("Pending mutations:   %d\n", len(mutations))
		fmt.Printf("Daily log entries:   %d\n", dailyLogCount)

		if lastSweep.IsZero() {
			fmt.Printf("Last sweep:          never\n")
		} else {
			fmt.Printf("Last sweep:          %s\n", lastSweep)
		}
		fmt.Printf("Sweep done today:    %v\n", todayDone)

		for _, m := range mutations {
			fmt.Printf("\n  pending %s on task %s (issued %s)\n",
				m.Kind, m.TaskID, m.IssuedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
