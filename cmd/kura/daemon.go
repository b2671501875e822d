package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/daemon"
	"github.com/harunnryd/kura/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator as a long-lived service",
	Long:  `Starts Kura with component lifecycle orchestration. It serves the command API over HTTP, runs the health monitor, and sweeps finished checkpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := buildDaemon(cfg)
		if err != nil {
			return err
		}
		daemonMgr.SetForceCleanup(forceClean)

		slog.Info("Kura Daemon starting up...", "port", cfg.Server.Port, "backend", cfg.Backend.Kind, "state_dir", daemonMgr.StateDir())
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Kura Daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Kura Daemon stopped gracefully")
		return nil
	},
}

func buildDaemon(cfg *config.Config) (*daemon.Daemon, error) {
	daemonMgr, err := daemon.NewDaemon(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon manager: %w", err)
	}

	storeComp := components.NewStoreComponent(daemonMgr.StateDir(), &cfg.Store)
	policyComp := components.NewPolicyEngineComponent(&cfg.Security)
	orchComp := components.NewOrchestratorComponent(cfg, storeComp, policyComp)
	monitorComp := components.NewMonitorComponent(&cfg.Monitor, orchComp)
	sweeperComp := components.NewCheckpointSweeperComponent(&cfg.Checkpoint, orchComp)
	httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, orchComp)

	daemonMgr.AddComponent(storeComp)
	daemonMgr.AddComponent(policyComp)
	daemonMgr.AddComponent(orchComp)
	daemonMgr.AddComponent(monitorComp)
	daemonMgr.AddComponent(sweeperComp)
	daemonMgr.AddComponent(httpComp)
	return daemonMgr, nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
