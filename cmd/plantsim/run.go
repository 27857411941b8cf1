package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plantsim/plantsim/pkg/config"
	"github.com/plantsim/plantsim/pkg/core/orchestrator"
	"github.com/plantsim/plantsim/pkg/monitoring"
	"github.com/plantsim/plantsim/pkg/reporting"
	"github.com/plantsim/plantsim/pkg/simclock"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Args:  cobra.NoArgs,
	Short: "Run the device simulation",
	Long:  `Loads the facility configuration, starts all simulated devices, and runs until interrupted.`,
	RunE:  runSimulation,
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := reporting.LogLevel(cfg.Logging.Level)
	if verbose {
		logLevel = reporting.LogLevelDebug
	}
	logger := reporting.NewLogger(reporting.LoggerConfig{
		Level:  logLevel,
		Format: reporting.LogFormat(cfg.Logging.Format),
		Output: os.Stdout,
	})

	logger.Info().
		Str("version", version).
		Str("facility", cfg.Facility.Name).
		Msg("plantsim starting")

	orch := orchestrator.New(cfg, simclock.System(), logger)
	if err := orch.Init(); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if addr := cfg.Monitoring.ListenAddress; addr != "" {
		metricsSrv := monitoring.Serve(addr, logger)
		defer metricsSrv.Shutdown(context.Background())
	}

	if err := orch.StartAll(); err != nil {
		orch.StopAll()
		return fmt.Errorf("startup failed: %w", err)
	}

	logger.Info().
		Int("device_count", orch.DeviceCount()).
		Strs("protocols", orch.ActiveProtocols()).
		Msg("simulation running, press ctrl-c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown requested")

	orch.StopAll()
	logger.Info().Msg("plantsim stopped")
	return nil
}
