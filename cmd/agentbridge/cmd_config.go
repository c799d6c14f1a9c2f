package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or write the daemon's configuration",
}

var configReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Load config (file + environment) and print it as YAML",
	RunE:  runConfigRead,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load config and report whether it passes validation",
	RunE:  runConfigValidate,
}

var configWriteCmd = &cobra.Command{
	Use:   "write <path>",
	Short: "Write the effective config (defaults + environment) to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigWrite,
}

func init() {
	configCmd.AddCommand(configReadCmd, configValidateCmd, configWriteCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return &configError{err}
	}
	fmt.Print(string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Println("config is valid")
	return nil
}

func runConfigWrite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return &configError{err}
	}
	if err := os.WriteFile(args[0], data, 0o600); err != nil {
		return &configError{err}
	}
	fmt.Printf("wrote %s\n", args[0])
	return nil
}
