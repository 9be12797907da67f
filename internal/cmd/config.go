package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/app"
	"github.com/amurg-ai/tether/internal/config"
	"github.com/amurg-ai/tether/internal/daemon"
)

const defaultConfigPath = "tether.json"

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. defaultPath
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}

// loadConfig loads the resolved config file. When no path was given and the
// default file does not exist, the config comes from TETHER_* variables.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, string, error) {
	path := resolveConfigPath(cmd, args, "")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); errors.Is(err, os.ErrNotExist) {
			cfg, err := config.FromEnv()
			return cfg, "", err
		}
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

// paths returns the data directory layout, honoring client.data_dir when a
// config can be loaded.
func paths(cmd *cobra.Command) daemon.Paths {
	if cfg, _, err := loadConfig(cmd, nil); err == nil {
		return daemon.Resolve(cfg.Client.DataDir)
	}
	return daemon.Resolve(os.Getenv("TETHER_DATA_DIR"))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// openApp builds the application for a one-shot command. Logs go to stderr
// at warn level so they do not mix with command output.
func openApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, cfg, app.Options{
		Paths:   daemon.Resolve(cfg.Client.DataDir),
		Version: version,
		Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	})
}

// running returns the PID of a live background client, or 0.
func running(p daemon.Paths) int {
	pid, _ := p.ReadPID()
	if pid > 0 && daemon.IsRunning(pid) {
		return pid
	}
	return 0
}
