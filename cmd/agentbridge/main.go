// Package main implements the agentbridge CLI — entry point and
// command registration hub. Command implementations are split across
// per-file cmd_*.go: a rootCmd in main.go, one cobra.Command var plus
// an init() per cmd_*.go registering it, giving the nested
// config/service subcommand groups room to grow.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

// version is set at build time via -ldflags; "dev" otherwise.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "Personal bridge daemon connecting chat, mail, reminders, notes, and calendar to an AI CLI",
	Long: `agentbridge runs a small personal daemon that watches iMessage, Mail,
Reminders, Notes, and Calendar for messages addressed to it, and
dispatches them to a pooled AI CLI subprocess for a reply, with
approval gating on anything that mutates state.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $AGENTBRIDGE_HOME/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the exit codes named in the daemon's
// external-interfaces design: 1 for a config problem, 3 for "already
// running", and 2 for any other (runtime) failure.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *configError:
		return 1
	case *alreadyRunningError:
		return 3
	default:
		return 2
	}
}

type configError struct{ error }

type alreadyRunningError struct{ error }
