// ABOUTME: Entry point for the fleetgate control-plane CLI.
// ABOUTME: Subcommands cover serving, config setup, tokens, and fleet inspection.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set by goreleaser at build time.
var version = "dev"

var configFlag string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "fleetgate",
		Short:         "Control plane for a fleet of task agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file path (default: $FLEETGATE_CONFIG or ~/.config/fleetgate/fleetgate.yaml)")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newTokenCmd(),
		newHashKeyCmd(),
		newHealthCmd(),
		newAgentsCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath resolves the config file location.
// Priority: --config flag > FLEETGATE_CONFIG env > XDG_CONFIG_HOME/fleetgate/fleetgate.yaml > ~/.config/fleetgate/fleetgate.yaml
func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("FLEETGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fleetgate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "fleetgate", "fleetgate.yaml")
}

// dataPath returns the fleetgate data directory.
// Priority: XDG_DATA_HOME/fleetgate > ~/.local/share/fleetgate
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "fleetgate")
}
