package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/foreman/pkg/pricing"
	"github.com/harun/foreman/pkg/queue"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job, project or queue status",
	Long: `With a job id, print the job row. With --project, print the
project's budget status and cost summary. With no arguments, print
queue depths.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProject, "project", "", "project id to report on")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := openConn()
	if err != nil {
		return err
	}
	defer c.close()
	ctx := context.Background()

	switch {
	case len(args) == 1:
		job, err := c.store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(job)

	case statusProject != "":
		ledger := pricing.NewLedger(pricing.NewTable(), c.store, zerolog.Nop())
		budget, err := ledger.BudgetStatus(ctx, statusProject)
		if err != nil {
			return err
		}
		period, err := ledger.ProjectPeriod(ctx, statusProject, 0)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"budget": budget,
			"period": period,
		})

	default:
		depths := map[string]int64{}
		for _, q := range []string{queue.Incoming, queue.DelayedRetry, queue.DeadLetter} {
			depth, err := c.broker.Depth(ctx, q)
			if err != nil {
				return err
			}
			depths[q] = depth
		}
		return printJSON(depths)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
