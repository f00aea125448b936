package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulseboard/pulseboard/internal/hub"
)

var hubCmd = &cobra.Command{
	Use:     "hub",
	GroupID: "run",
	Short:   "Start the snapshot and invalidation hub",
	Long: `Start the WebSocket hub that fans out server snapshots and relays
cache invalidations between connected contexts.

Messages:
- snapshot: server state push for a scope (tasks, attendance)
- invalidate: a context wrote through; everyone drops the cached scope

Example usage:
  pbd hub                 # listen on the configured port (default 8080)
  pbd hub --port 9000

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := viper.GetInt("hub.port")
		if flagPort, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
			port = flagPort
		}

		server := hub.NewServer(&hub.Config{
			Port:   port,
			Logger: newLogger("[hub] "),
		})

		if err := server.Start(); err != nil {
			return fmt.Errorf("starting hub: %w", err)
		}

		fmt.Printf("Hub started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down hub...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("during shutdown: %w", err)
		}
		fmt.Println("Hub stopped")
		return nil
	},
}

func init() {
	hubCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(hubCmd)
}
