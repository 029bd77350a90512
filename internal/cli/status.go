package cli

import (
	"github.com/spf13/cobra"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Steps bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "status <invocation-id>",
		Short:         "Show an invocation and optionally its step log",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Steps, "steps", false, "include the recorded step log")

	return cmd
}

func runStatus(opts *StatusOptions, id string, cmd *cobra.Command) error {
	client := newAPIClient(opts.Addr)

	var inv map[string]any
	if err := client.do("GET", "/v1/invocations/"+id, nil, &inv); err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), inv); err != nil {
		return err
	}

	if !opts.Steps {
		return nil
	}

	var steps map[string]any
	if err := client.do("GET", "/v1/invocations/"+id+"/steps", nil, &steps); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), steps)
}
