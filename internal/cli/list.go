package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Queue    string
	Status   string
	Workflow string
	Limit    int
	Offset   int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List invocations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Queue, "queue", "", "filter by queue name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (ENQUEUED|PENDING|SUCCESS|ERROR)")
	cmd.Flags().StringVar(&opts.Workflow, "workflow", "", "filter by workflow name")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "page offset")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	q := url.Values{}
	if opts.Queue != "" {
		q.Set("queue", opts.Queue)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Workflow != "" {
		q.Set("workflow", opts.Workflow)
	}
	q.Set("limit", strconv.Itoa(opts.Limit))
	q.Set("offset", strconv.Itoa(opts.Offset))

	var page map[string]any
	client := newAPIClient(opts.Addr)
	if err := client.do("GET", fmt.Sprintf("/v1/invocations?%s", q.Encode()), nil, &page); err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), page)
}
