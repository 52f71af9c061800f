package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/config"
	"github.com/credtrap/credtrap/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the honeypot",
	Long: `Start binds every protocol listener, the observer WebSocket endpoint,
and (if configured) the metrics server, then runs until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.LogLevel,
		Format: "text",
		Output: cfg.LogFile,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting credtrap",
		"version", Version, "log_level", cfg.LogLevel)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Honeypot is running. Press Ctrl+C to stop.")
	return srv.Run(ctx)
}
