package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run wizard that writes a config file",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	fmt.Println(`
  agentbridge setup
  ─────────────────────────────`)

	home := agentbridge.Home()
	cfgPath := filepath.Join(home, "config.yaml")

	cfg := config.Default()
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return &configError{fmt.Errorf("parsing existing %s: %w", cfgPath, err)}
		}
		fmt.Printf("\n  Found existing configuration at %s\n", cfgPath)
		if !confirmSetup("  Reconfigure?") {
			fmt.Println("\n  Keeping existing configuration. You're all set!")
			return nil
		}
	}

	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("\n  Allowed senders (comma-separated, required)")
	fmt.Println("  Phone numbers or emails permitted to talk to the daemon.")
	fmt.Print("\n  senders: ")
	if scanner.Scan() {
		if v := strings.TrimSpace(scanner.Text()); v != "" {
			cfg.SendersAllow = splitSetupList(v)
		}
	}
	if len(cfg.SendersAllow) == 0 {
		fmt.Fprintln(os.Stderr, "\n  Error: at least one sender is required. Run 'agentbridge setup' again.")
		return &configError{fmt.Errorf("no senders provided")}
	}

	fmt.Println("\n  AI CLI connector command (default: claude)")
	fmt.Print("\n  connector command: ")
	if scanner.Scan() {
		if v := strings.TrimSpace(scanner.Text()); v != "" {
			cfg.ConnectorCommand = v
		}
	}

	fmt.Println("\n  Channels to enable (comma-separated: chat,mail,reminders,notes,calendar)")
	fmt.Printf("  [current: %s]\n", strings.Join(cfg.ChannelsEnabled, ","))
	fmt.Print("\n  channels: ")
	if scanner.Scan() {
		if v := strings.TrimSpace(scanner.Text()); v != "" {
			cfg.ChannelsEnabled = splitSetupList(v)
		}
	}

	fmt.Println("\n  Admin HTTP bearer token (optional — press Enter to leave the admin API unauthenticated)")
	fmt.Print("\n  admin token: ")
	if scanner.Scan() {
		cfg.AdminToken = strings.TrimSpace(scanner.Text())
	}

	fmt.Println("\n  Sandbox containerized execution? (y/N)")
	if confirmSetup("  Enable sandbox") {
		cfg.SandboxEnabled = true
	}

	if err := agentbridge.EnsureHome(); err != nil {
		fmt.Fprintf(os.Stderr, "\n  Error creating %s: %v\n", home, err)
		return &configError{err}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return &configError{err}
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "\n  Error writing %s: %v\n", cfgPath, err)
		return &configError{err}
	}

	fmt.Printf("\n  Configuration saved to %s\n", cfgPath)
	fmt.Print(`
  Next steps:
    agentbridge daemon      Run the full daemon
    agentbridge admin       Serve only the admin HTTP surface
    agentbridge config read Print the effective config
`)
	return nil
}

func confirmSetup(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return ans == "y" || ans == "yes"
	}
	return false
}

func splitSetupList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
