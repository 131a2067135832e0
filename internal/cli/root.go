// Package cli defines the stipend command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stipend-network/stipend/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "stipend",
	Short: "Rewards settlement daemon",
	Long: `stipend runs the rewards settlement backend: the account ledger,
task-reward verification, withdrawal and vending settlement, and the
reconciliation jobs that keep funds consistent with external providers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default ~/.stipend/config.toml)")
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the --config flag into a full configuration.
func loadConfig() (daemon.Config, error) {
	return daemon.Load(configPath)
}

// openDaemon builds the component graph for one-shot commands.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg)
}
