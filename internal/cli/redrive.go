package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/foreman/pkg/dispatch"
)

var redriveList bool

var redriveCmd = &cobra.Command{
	Use:   "redrive [job-id]",
	Short: "Re-drive a job from the dead-letter queue",
	Long: `Reset a dead-lettered job (retry count back to zero, errors cleared)
and republish it to the incoming queue. With --list, show the envelopes
currently on the dead-letter queue instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRedrive,
}

func init() {
	redriveCmd.Flags().BoolVar(&redriveList, "list", false, "list dead-letter envelopes")
	rootCmd.AddCommand(redriveCmd)
}

func runRedrive(cmd *cobra.Command, args []string) error {
	c, err := openConn()
	if err != nil {
		return err
	}
	defer c.close()
	ctx := context.Background()

	manager := dispatch.NewDeadLetterManager(c.store, c.broker, zerolog.Nop())

	if redriveList {
		envelopes, err := manager.List(ctx, 100)
		if err != nil {
			return err
		}
		return printJSON(envelopes)
	}

	if len(args) != 1 {
		return fmt.Errorf("a job id is required unless --list is given")
	}

	if err := manager.Redrive(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("job %s redriven\n", args[0])
	return nil
}
