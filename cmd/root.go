// Package cmd provides CLI commands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexcompanion/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	configDir        string
	logLevelOverride string
)

// rootCmd is the root command.
var rootCmd = &cobra.Command{
	Use:   "cortexcompanion",
	Short: "cortexcompanion - an animated Live2D chat companion",
	Long: `cortexcompanion drives a Live2D avatar rendered by a browser page:
it idles between conversations, relays chat to the backend, voices the
replies with lip sync and speaks up on its own when you go quiet.

Get started with: cortexcompanion config init && cortexcompanion run`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Configuration directory (default ~/.cortexcompanion)")
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level for this run (debug, info, warn, error)")
}

// loadEnvFiles loads ~/.cortex/.env (shared with the backend) and the
// companion's own .env. Variables already set in the environment win.
func loadEnvFiles() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".cortex", ".env"))
	}
	if dir, err := resolveConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, ".env"))
	}

	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}

func resolveConfigDir() (string, error) {
	if configDir != "" {
		return configDir, nil
	}
	return config.Dir()
}

func loadConfig() (*config.Loader, *config.Config, error) {
	dir, err := resolveConfigDir()
	if err != nil {
		return nil, nil, err
	}
	loader := config.NewLoader(dir)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if logLevelOverride != "" {
		level := strings.ToLower(strings.TrimSpace(logLevelOverride))
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return nil, nil, fmt.Errorf("invalid --log-level: %q (use debug, info, warn, error)", logLevelOverride)
		}
		cfg.Log.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", loader.Path(), err)
	}
	return loader, cfg, nil
}
