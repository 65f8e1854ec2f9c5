package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/storebox/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a storebox configuration file without starting the server.

This command parses the YAML, expands environment variables, validates all
fields and builds every action. It's useful for CI/CD pipelines or
pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  storebox validate -c store.yaml
  storebox validate --config /etc/storebox/cart.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// actions are only fully checked once built
	if _, err := config.BuildActions(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fields := make([]string, 0, len(cfg.State))
	for f := range cfg.State {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	watch := cfg.Watch
	if watch == "" {
		watch = "none"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Store:         %s\n", cfg.Name)
	fmt.Fprintf(out, "  Port:          %d\n", cfg.Port)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Fprintf(out, "  State fields:  %d (%s)\n", len(fields), strings.Join(fields, ", "))
	fmt.Fprintf(out, "  Actions:       %d%s\n", len(cfg.Actions), list(cfg.ActionNames()))
	fmt.Fprintf(out, "  Sources:       %d\n", len(cfg.Sources))
	fmt.Fprintf(out, "  Watch file:    %s\n", watch)

	return nil
}

// list formats names as " (a, b)", or "" when empty.
func list(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return " (" + strings.Join(names, ", ") + ")"
}
