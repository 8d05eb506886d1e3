package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/foreman/pkg/dispatch"
)

var (
	enqueueProject    string
	enqueueType       string
	enqueuePayload    string
	enqueueAgent      string
	enqueueMaxRetries int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a job to the queue",
	Long: `Persist a pending job and publish its id to the incoming queue.
The payload is an opaque JSON object; by convention the task description
lives under the "task" key.`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueProject, "project", "", "project id (required)")
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "job type: design, implement, review, test, deploy, monitor (required)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "{}", "job payload as JSON")
	enqueueCmd.Flags().StringVar(&enqueueAgent, "agent", "", "assigned agent id (advisory)")
	enqueueCmd.Flags().IntVar(&enqueueMaxRetries, "max-retries", 3, "maximum retry attempts")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	c, err := openConn()
	if err != nil {
		return err
	}
	defer c.close()

	enqueuer := dispatch.NewEnqueuer(c.store, c.broker, zerolog.Nop())
	jobID, err := enqueuer.Enqueue(context.Background(), dispatch.Submission{
		ProjectID:       enqueueProject,
		Type:            enqueueType,
		Payload:         json.RawMessage(enqueuePayload),
		AssignedAgentID: enqueueAgent,
		MaxRetries:      enqueueMaxRetries,
	})
	if err != nil {
		return err
	}

	fmt.Println(jobID)
	return nil
}
