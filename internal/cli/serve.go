package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stipend-network/stipend/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the settlement daemon",
	Long: `Start the HTTP API and the background reconciliation jobs, and run
until interrupted. SIGINT or SIGTERM triggers a graceful shutdown:
the listener drains in-flight requests, jobs finish their current
pass, and queued notifications are delivered.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
