package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/httpapi"
	"github.com/kbpersonal/agentbridge/store"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Serve only the admin HTTP surface against the existing store",
	Long: `admin starts the Admin HTTP surface (health, sessions, approvals,
events, metrics) against the daemon's existing database without
starting ingress polling or spawning connector subprocesses. Useful
for inspecting a running or stopped daemon's state remotely.`,
	RunE: runAdmin,
}

func init() {
	rootCmd.AddCommand(adminCmd)
}

func runAdmin(cmd *cobra.Command, args []string) error {
	setupLogging()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := agentbridge.EnsureHome(); err != nil {
		return &configError{err}
	}

	st, err := store.Open(context.Background(), agentbridge.DefaultDBPath())
	if err != nil {
		return &configError{err}
	}
	defer st.Close()

	srv := httpapi.NewServer(st, nil, httpapi.Config{
		Addr:  cfg.AdminAddr,
		Token: cfg.AdminToken,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}
