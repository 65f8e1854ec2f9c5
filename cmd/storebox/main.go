// Package main is the entry point for the storebox CLI.
//
// storebox can be used as a library or run as a standalone binary with YAML
// configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	storebox serve -c store.yaml                      # Run the store and its inspector
//	storebox validate -c store.yaml                   # Validate configuration
//	storebox dispatch -c store.yaml addItem addItem   # Run actions and print changes
//	storebox version                                  # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "storebox",
	Short: "An observable state store with selector-scoped subscriptions",
	Long: `storebox holds a small piece of application state, applies named
actions to it and notifies subscribers only when the fields they select
change.

Quick start:
  1. Create a config file (store.yaml)
  2. Run: storebox serve -c store.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  name: cart
  state:
    items: 0
    theme: light
  actions:
    addItem: increment:items
    removeItem: {type: decrement, field: items, min: 0}
    toggleTheme: {type: toggle, field: theme, values: [light, dark]}`,
	SilenceUsage: true,
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this storebox binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "storebox %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
