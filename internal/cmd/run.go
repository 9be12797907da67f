package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/tether/internal/app"
	"github.com/amurg-ai/tether/internal/daemon"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the client in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Client.LogLevel),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{
		Paths:   daemon.Resolve(cfg.Client.DataDir),
		Version: version,
		Handler: handler,
	})
	if err != nil {
		return err
	}
	logger := a.Logger()
	logger.Info("tether starting", "version", version, "config", configPath)

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("client error", "error", err)
		return err
	}

	logger.Info("tether stopped")
	return nil
}
