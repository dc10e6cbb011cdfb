package commands

import (
	"context"
	"time"

	"github.com/dyluth/ccss/internal/printer"
	"github.com/dyluth/ccss/internal/scheduler"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Refresh expired or missing shared critical CSS now",
	Long: `Run one shared critical CSS sweep: every value of every shared rule whose
entry is missing or expired gets one generation job, rendered from the most
recently saved object that matches the value.

Callbacks for these jobs are accepted by 'ccss serve' through the shared
Redis token store. With callback.token_store: memory the tokens issued here
are not visible to the server.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Callback.TokenStore != "redis" {
		printer.Warning("callback.token_store is '%s'; callbacks for these jobs will be rejected by 'ccss serve'\n", cfg.Callback.TokenStore)
	}

	printer.Step("Sweeping shared critical CSS (rules revision %d)\n", cfg.Rules.Revision)
	report := rt.scheduler.Sweep(ctx, cfg.Rules, time.Now())
	printReport(report)
	return nil
}

func printReport(report *scheduler.Report) {
	if len(report.Items) == 0 {
		printer.Info("No shared rules configured.\n")
		return
	}

	rows := make([][]string, 0, len(report.Items))
	for _, item := range report.Items {
		detail := item.Representative
		if item.Err != nil {
			detail = item.Err.Error()
		}
		rows = append(rows, []string{item.Key, string(item.Action), detail})
	}
	printer.Table([]string{"KEY", "ACTION", "DETAIL"}, rows)

	printer.Println()
	printer.Success("%d dispatched, %d fresh, %d without a representative, %d failed\n",
		report.Count(scheduler.ActionDispatched),
		report.Count(scheduler.ActionFresh),
		report.Count(scheduler.ActionNoRepresentative),
		report.Count(scheduler.ActionFailed))
}
