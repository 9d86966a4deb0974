package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/colorkit/calrun/internal/config"
	"github.com/colorkit/calrun/internal/logging"
	"github.com/colorkit/calrun/internal/process"
	"github.com/colorkit/calrun/internal/run"
	"github.com/colorkit/calrun/internal/telemetry"
	"github.com/colorkit/calrun/internal/workspace"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := runMain(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdown, err := telemetry.Init(ctx, telemetry.Settings{Endpoint: cfg.OTELEndpoint, Version: Version})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	removed, err := workspace.Sweep(cfg.WorkspaceRoot, process.Alive)
	if err != nil {
		logger.Warn("stale workspace sweep failed", "error", err)
	}
	for _, dir := range removed {
		logger.Info("removed stale workspace", "dir", dir)
	}

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "calrun",
		Short:         "Drive display calibration and profiling tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newModeCommand(cfg, logger, run.ModeCalibrate, "Calibrate a display and write NAME.cal"),
		newModeCommand(cfg, logger, run.ModeVerify, "Verify a display against an existing NAME.cal"),
		newModeCommand(cfg, logger, run.ModeReadPatches, "Measure the patches of NAME.ti1 into NAME.ti3"),
		newModeCommand(cfg, logger, run.ModeBuildProfile, "Build NAME.icc from NAME.ti3"),
		newModeCommand(cfg, logger, run.ModeGenerateChart, "Generate the patch chart NAME.ti1"),
		newModeCommand(cfg, logger, run.ModeInstallProfile, "Install NAME.icc for the display"),
		newToolsCommand(cfg, logger),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}
