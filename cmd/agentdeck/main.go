// Package main is the entry point for the Agentdeck server: a local viewer
// and controller for Claude Code sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/app"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "agentdeck",
		Short:         "Local viewer and controller for Claude Code sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("hostname", "", "interface to listen on")
	flags.Int("port", 0, "port to listen on")
	flags.String("password", "", "require this password on every API request")
	flags.String("executable", "", "path to the claude binary")
	flags.String("claude-dir", "", "Claude home directory (default ~/.claude)")
	flags.String("data-dir", "", "Agentdeck data directory (default ~/.agentdeck)")

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(v.BindPFlag("server.host", flags.Lookup("hostname")))
	must(v.BindPFlag("server.port", flags.Lookup("port")))
	must(v.BindPFlag("server.password", flags.Lookup("password")))
	must(v.BindPFlag("claude.executable", flags.Lookup("executable")))
	must(v.BindPFlag("claude.dir", flags.Lookup("claude-dir")))
	must(v.BindPFlag("dataDir", flags.Lookup("data-dir")))

	return cmd
}

func run(v *viper.Viper) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlagOverrides(v, cfg)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if path, err := config.WriteDefault(cfg.DataDir); err != nil {
		log.Warn("failed to write default config", zap.Error(err))
	} else if path != "" {
		log.Info("wrote default config", zap.String("path", path))
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Stop(shutdownCtx)
	return nil
}

// applyFlagOverrides copies explicitly set flags over the loaded config.
func applyFlagOverrides(v *viper.Viper, cfg *config.Config) {
	if host := v.GetString("server.host"); host != "" {
		cfg.Server.Host = host
	}
	if port := v.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}
	if password := v.GetString("server.password"); password != "" {
		cfg.Server.Password = password
	}
	if exe := v.GetString("claude.executable"); exe != "" {
		cfg.Claude.Executable = exe
	}
	if dir := v.GetString("claude.dir"); dir != "" {
		cfg.Claude.Dir = dir
	}
	if dir := v.GetString("dataDir"); dir != "" {
		cfg.DataDir = dir
	}
}
