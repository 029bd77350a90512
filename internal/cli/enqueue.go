package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Input               string
	Queue               string
	DedupID             string
	PartitionKey        string
	Priority            int
	TimeoutMS           int64
	MaxRecoveryAttempts int
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <workflow>",
		Short: "Enqueue a workflow invocation",
		Long: `Enqueue a workflow invocation on a running server.

Example:
  anvil enqueue send-report --input '{"month":"2026-08"}' --queue reports`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "{}", "workflow input as JSON")
	cmd.Flags().StringVar(&opts.Queue, "queue", "", "queue name (default queue when empty)")
	cmd.Flags().StringVar(&opts.DedupID, "dedup-id", "", "deduplication id")
	cmd.Flags().StringVar(&opts.PartitionKey, "partition-key", "", "partition key for partitioned queues")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "admission priority (lower runs first)")
	cmd.Flags().Int64Var(&opts.TimeoutMS, "timeout-ms", 0, "execution timeout in milliseconds")
	cmd.Flags().IntVar(&opts.MaxRecoveryAttempts, "max-recovery-attempts", 0, "recovery attempt budget (server default when 0)")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, workflow string, cmd *cobra.Command) error {
	var input json.RawMessage
	if err := json.Unmarshal([]byte(opts.Input), &input); err != nil {
		return fmt.Errorf("invalid --input JSON: %w", err)
	}

	body := map[string]any{
		"workflow":              workflow,
		"input":                 input,
		"queue":                 opts.Queue,
		"dedup_id":              opts.DedupID,
		"partition_key":         opts.PartitionKey,
		"priority":              opts.Priority,
		"timeout_ms":            opts.TimeoutMS,
		"max_recovery_attempts": opts.MaxRecoveryAttempts,
	}

	var inv map[string]any
	client := newAPIClient(opts.Addr)
	if err := client.do("POST", "/v1/invocations", body, &inv); err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), inv)
}
