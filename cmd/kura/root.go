package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/harunnryd/kura/internal/config"
	"github.com/harunnryd/kura/internal/logger"

	_ "github.com/harunnryd/kura/internal/backend/docker"
	_ "github.com/harunnryd/kura/internal/backend/fake"
	_ "github.com/harunnryd/kura/internal/backend/incus"
	_ "github.com/harunnryd/kura/internal/backend/qemu"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kura",
	Short: "Kura sandbox orchestrator",
	Long:  `Kura manages the lifecycle of sandboxed VM and container instances through docker, incus, or qemu/libvirt, with policy checks and script checkpoints.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

// exitError carries a non-zero exit code for a failure that was already reported.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kura/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "server port")
	rootCmd.PersistentFlags().String("backend.kind", config.DefaultBackendKind, "sandbox backend (docker, incus, qemu, fake)")
	rootCmd.PersistentFlags().String("remote", "", "send commands to a running daemon at this URL instead of a local orchestrator")
}
