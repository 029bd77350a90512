package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/anvilworks/anvil/internal/api"
	"github.com/anvilworks/anvil/internal/config"
	"github.com/anvilworks/anvil/internal/queue"
	"github.com/anvilworks/anvil/internal/recovery"
	"github.com/anvilworks/anvil/internal/runtime"
	"github.com/anvilworks/anvil/internal/schedule"
	"github.com/anvilworks/anvil/internal/store"
)

// drainTimeout bounds how long Stop waits for in-flight invocations before
// abandoning them to the next recovery pass.
const drainTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(register Registrar) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run an executor and its HTTP API",
		Long: `Run an executor: recover orphaned invocations, start the queue claim loop,
and serve the HTTP API. Configuration comes from ANVIL_* environment
variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(register)
		},
	}
}

func serve(register Registrar) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"executor_id", cfg.ExecutorID,
		"app_version", cfg.AppVersion,
	)

	var (
		db  store.Store
		err error
	)
	if cfg.DatabaseURL != "" {
		db, err = store.NewPostgresStore(context.Background(), cfg.DatabaseURL)
	} else {
		db, err = store.NewSQLiteStore(cfg.DBPath)
	}
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer db.Close()

	rt := runtime.New(db, logger)
	queues := queue.NewRegistry()

	if cfg.QueuesFile != "" {
		descriptors, err := queue.LoadFile(cfg.QueuesFile)
		if err != nil {
			return fmt.Errorf("load queues file: %w", err)
		}
		for _, d := range descriptors {
			if err := queues.Register(d); err != nil {
				return fmt.Errorf("register queue: %w", err)
			}
		}
	}

	sched := schedule.NewScheduler(logger)
	if register != nil {
		if err := register(rt, queues, sched); err != nil {
			return fmt.Errorf("register workflows: %w", err)
		}
	}
	rt.Launch()

	// Recovery runs before claiming starts so orphans re-enter the queue
	// ahead of fresh work being admitted.
	coordinator := recovery.NewCoordinator(db, logger, cfg.AppVersion)
	if _, err := coordinator.Recover(context.Background()); err != nil {
		return fmt.Errorf("recovery pass: %w", err)
	}

	manager := queue.NewManager(db, rt, queues, logger, queue.Options{
		ExecutorID:   cfg.ExecutorID,
		AppVersion:   cfg.AppVersion,
		PollInterval: cfg.PollInterval,
	})
	manager.Start()
	sched.Start(manager)

	srv := api.NewServer(cfg.ListenAddr, db, manager, queues, rt, logger)
	runErr := srv.Run()

	sched.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Warn("drain timed out; abandoning in-flight invocations to recovery", "error", err)
	}

	return runErr
}
