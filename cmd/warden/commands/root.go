// Package commands implements the warden CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/warden/internal/config"
	"github.com/marcus/warden/internal/logging"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Session execution engine for AI agent workers",
	Long: `Warden launches and supervises AI agent worker processes, either
directly on the host or inside a sandbox. Input reaches a running worker
through a file-based mailbox; results come back as framed records on the
worker's stdout. Sessions are resumable: warden persists each session's
resume handle and restarts workers from where the conversation left off.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
}

// loadConfig loads configuration, honoring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// initLogging initializes the global logger from config. Failures fall back
// to the stderr default rather than aborting the command.
func initLogging(cfg *config.Config) {
	err := logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
	if err != nil {
		logging.Get().WarnCtx("logging init failed, using stderr", map[string]any{"error": err.Error()})
	}
}
