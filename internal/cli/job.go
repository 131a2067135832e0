package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// ─── One-shot maintenance ───────────────────────────────────────────────────
// Each reconciliation job also runs on a schedule inside `serve`;
// these commands exist for operators who want to force a pass now.

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobRunCmd)
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run or list reconciliation jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered reconciliation jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()
		for _, name := range d.JobNames() {
			fmt.Fprintln(os.Stdout, name)
		}
		return nil
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run JOB_NAME",
	Short: "Run one reconciliation job immediately",
	Long: `Run a single pass of the named job against the configured store.
Do not run this while a daemon is serving from the same database
path; the scheduled jobs already cover it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.RunJob(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("job %q: %w (known jobs: %s)",
				args[0], err, strings.Join(d.JobNames(), ", "))
		}
		fmt.Fprintf(os.Stdout, "job %s: done\n", args[0])
		return nil
	},
}
