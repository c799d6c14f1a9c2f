package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// serviceCmd and its subcommands are placeholders. Installing agentbridge
// as a launchd/systemd-managed service is out of scope for this build;
// run 'agentbridge daemon' directly or under your own process
// supervisor (launchd plist, systemd unit, tmux, etc).
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage agentbridge as an OS-level service (not implemented in this build)",
}

func notImplementedService(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		fmt.Printf("service %s: not implemented in this build\n", action)
		fmt.Println("run 'agentbridge daemon' directly, or supervise it with launchd/systemd/tmux")
		return nil
	}
}

var (
	serviceInstallCmd = &cobra.Command{
		Use:   "install",
		Short: "Install agentbridge as an OS service (not implemented)",
		RunE:  notImplementedService("install"),
	}
	serviceUninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the agentbridge OS service (not implemented)",
		RunE:  notImplementedService("uninstall"),
	}
	serviceStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the agentbridge OS service (not implemented)",
		RunE:  notImplementedService("start"),
	}
	serviceStopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the agentbridge OS service (not implemented)",
		RunE:  notImplementedService("stop"),
	}
	serviceStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Report the agentbridge OS service status (not implemented)",
		RunE:  notImplementedService("status"),
	}
	serviceLogsCmd = &cobra.Command{
		Use:   "logs",
		Short: "Show the agentbridge OS service logs (not implemented)",
		RunE:  notImplementedService("logs"),
	}
)

func init() {
	serviceCmd.AddCommand(
		serviceInstallCmd,
		serviceUninstallCmd,
		serviceStartCmd,
		serviceStopCmd,
		serviceStatusCmd,
		serviceLogsCmd,
	)
	rootCmd.AddCommand(serviceCmd)
}
