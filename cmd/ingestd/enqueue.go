package main

import (
	"encoding/json"
	"fmt"

	"github.com/livinlefevreloca/ingestd/internal/queue"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a job to the queue",
	Long: "Adds a job to the queue. Use --service to request a sync of one service, " +
		"or --kind with an optional JSON --payload for any other job kind.",
	Example: "  ingestd enqueue --user user-1 --service gmail\n" +
		"  ingestd enqueue --user user-1 --kind insight --payload '{\"contactId\":\"c1\"}'",
	Args: cobra.NoArgs,
	RunE: runEnqueue,
}

var (
	enqueueUser        string
	enqueueKind        string
	enqueueService     string
	enqueuePayload     string
	enqueueBatch       string
	enqueueMaxAttempts int
)

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueUser, "user", "u", "", "User the job belongs to (required)")
	enqueueCmd.Flags().StringVarP(&enqueueKind, "kind", "k", "", "Job kind")
	enqueueCmd.Flags().StringVarP(&enqueueService, "service", "s", "", "Service to sync; shorthand for --kind sync_<service>")
	enqueueCmd.Flags().StringVarP(&enqueuePayload, "payload", "p", "", "Job payload as JSON")
	enqueueCmd.Flags().StringVar(&enqueueBatch, "batch", "", "Batch ID")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "Attempt budget; 0 uses the configured default")

	if err := enqueueCmd.MarkFlagRequired("user"); err != nil {
		panic(fmt.Sprintf("failed to mark user flag as required: %v", err))
	}
	enqueueCmd.MarkFlagsMutuallyExclusive("kind", "service")
	enqueueCmd.MarkFlagsOneRequired("kind", "service")

	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	kind := enqueueKind
	if enqueueService != "" {
		kind = queue.SyncKind(enqueueService)
	}

	var payload any
	if enqueuePayload != "" {
		if !json.Valid([]byte(enqueuePayload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(enqueuePayload)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.queue.Enqueue(cmd.Context(), queue.EnqueueRequest{
		UserID:      enqueueUser,
		Kind:        kind,
		Payload:     payload,
		BatchID:     enqueueBatch,
		MaxAttempts: enqueueMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
