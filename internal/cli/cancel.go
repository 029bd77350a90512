package cli

import (
	"github.com/spf13/cobra"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "cancel <invocation-id>",
		Short:         "Cancel an active invocation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var inv map[string]any
			client := newAPIClient(rootOpts.Addr)
			if err := client.do("DELETE", "/v1/invocations/"+args[0], nil, &inv); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inv)
		},
	}
}
