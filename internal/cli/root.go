// Package cli assembles the anvil command tree. The serve command hosts an
// executor; the remaining commands are thin HTTP clients against a running
// server.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/anvilworks/anvil/internal/queue"
	"github.com/anvilworks/anvil/internal/runtime"
	"github.com/anvilworks/anvil/internal/schedule"
)

// Registrar installs an application's workflows, queues, and cron schedules
// during startup, before the registries freeze. Applications embedding anvil
// build their own binary around NewRootCommand with their registrar.
type Registrar func(rt *runtime.Runtime, queues *queue.Registry, sched *schedule.Scheduler) error

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	// Addr is the server base URL used by client commands.
	Addr string
}

// NewRootCommand creates the root command. register may be nil, in which case
// the serve command hosts only the inspection and delivery endpoints.
func NewRootCommand(register Registrar) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "anvil",
		Short: "Anvil - durable workflow execution",
		Long: `Anvil runs workflows as durably logged invocations: every step outcome is
persisted, so a crashed execution resumes from its last recorded step instead
of restarting from scratch.`,
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "http://localhost:8080", "server base URL for client commands")

	cmd.AddCommand(NewServeCommand(register))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))

	return cmd
}
