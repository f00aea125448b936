// Command pbd is the PulseBoard daemon and management CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pbd",
	Short: "PulseBoard task and attendance sync daemon",
	Long: `pbd keeps a local PulseBoard state cache in sync with the server
of record: optimistic task mutations with reconciliation, the attendance
state machine with the auto-absent sweep, and a TTL read cache with
cross-context invalidation over the hub.

State lives in a local SQLite database (default .pulseboard/pulseboard.db).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default ./pulseboard.yaml)")
	rootCmd.PersistentFlags().String("store", "", "path to the local state database")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Run:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initConfig loads pulseboard.yaml and the PULSEBOARD_* environment.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pulseboard")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/pulseboard")
	}

	viper.SetEnvPrefix("PULSEBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("api.base_url", "http://localhost:9000")
	viper.SetDefault("hub.port", 8080)
	viper.SetDefault("hub.url", "")
	viper.SetDefault("store.path", filepath.Join(".pulseboard", "pulseboard.db"))
	viper.SetDefault("cache.ttl", "60s")
	viper.SetDefault("engine.reconcile_timeout", "10s")
	viper.SetDefault("attendance.grace_cutoff", "09:15")
	viper.SetDefault("attendance.sweep_cutoff", "11:00")
	viper.SetDefault("attendance.notify_recipient", "admin")
	viper.SetDefault("daemon.tick", "1m")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: reading config: %v\n", err)
		}
	}

	if storePath, _ := rootCmd.PersistentFlags().GetString("store"); storePath != "" {
		viper.Set("store.path", storePath)
	}
}
