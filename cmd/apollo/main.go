package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/logger"
)

const logo = "☀"

var configFlag string

func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p := os.Getenv("APOLLO_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".apollo", "config.json")
}

// loadConfig reads the config and initialises logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "apollo",
		Short:         "Apollo wallet request broker",
		Long:          logo + " Apollo mediates dApp provider requests, keeps per-origin approvals and signs what a human approves.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default ~/.apollo/config.json, or $APOLLO_CONFIG)")

	root.AddCommand(
		newServeCommand(),
		newOnboardCommand(),
		newAccountCommand(),
		newChainCommand(),
		newPendingCommand(),
		newApproveCommand(),
		newConsoleCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
