package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nupi-ai/pxp-agent/internal/agent"
	"github.com/nupi-ai/pxp-agent/internal/config"
	"github.com/nupi-ai/pxp-agent/internal/logging"
	agentruntime "github.com/nupi-ai/pxp-agent/internal/runtime"
	agentversion "github.com/nupi-ai/pxp-agent/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:           "pxp-agent",
		Short:         "PXP agent - executes remote actions through external modules",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), v)
		},
	}
	rootCmd.Version = agentversion.FormatVersion(agentversion.String())
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := config.BindFlags(rootCmd.Flags(), v); err != nil {
		panic(err)
	}
	return rootCmd
}

func runAgent(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, closer, err := logging.Setup(logging.Options{File: cfg.LogFile, Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return err
	}

	if cfg.PIDFile != "" {
		pid := os.Getpid()
		if err := agentruntime.WritePIDFile(cfg.PIDFile, pid); err != nil {
			logger.Error("Failed to write the pid file", "path", cfg.PIDFile, "error", err)
			return err
		}
		defer agentruntime.RemovePIDFile(cfg.PIDFile, pid)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("pxp-agent starting", startupAttrs(cfg)...)

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start the agent", "error", err)
		return err
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("Agent error", "error", err)
		return err
	}
	logger.Info("pxp-agent stopped")
	return nil
}

func startupAttrs(cfg *config.Agent) []any {
	v := agentversion.String()
	return []any{
		"version", v,
		"release", agentversion.Release(v),
		"pid", os.Getpid(),
		"config_file", cfg.ConfigFile,
	}
}
