package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbpersonal/agentbridge/config"
	"github.com/kbpersonal/agentbridge/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the full daemon (ingress, orchestrator, companion, and admin HTTP)",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(config.Home(), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, &configError{err}
	}
	return cfg, nil
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	setupLogging()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = d.Run(ctx)
	if err != nil && errors.Is(err, daemon.ErrAlreadyRunning) {
		return &alreadyRunningError{err}
	}
	return err
}
