// Package recovery re-admits invocations left PENDING by a crashed executor.
// Each application version recovers only its own invocations, so rolling
// deploys never replay workflows against changed code.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anvilworks/anvil/internal/store"
)

// Coordinator scans for orphaned PENDING invocations at startup.
type Coordinator struct {
	store      store.Store
	logger     *slog.Logger
	appVersion string
}

// NewCoordinator creates a recovery coordinator for one application version.
func NewCoordinator(s store.Store, logger *slog.Logger, appVersion string) *Coordinator {
	return &Coordinator{store: s, logger: logger, appVersion: appVersion}
}

// Recover re-enqueues every PENDING invocation owned by this application
// version, charging one recovery attempt each. Invocations whose deadline
// already elapsed or whose recovery budget is exhausted transition straight
// to ERROR. Returns the number re-admitted.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	orphans, err := c.store.ListPendingOwned(ctx, c.appVersion)
	if err != nil {
		return 0, fmt.Errorf("list pending invocations: %w", err)
	}

	requeued := 0
	for _, inv := range orphans {
		outcome, err := c.store.RecoverInvocation(ctx, inv.ID)
		if err != nil {
			return requeued, fmt.Errorf("recover invocation %s: %w", inv.ID, err)
		}
		switch outcome {
		case store.RecoveryRequeued:
			requeued++
			recoveredTotal.Inc()
			c.logger.Info("re-enqueued orphaned invocation",
				"workflow_id", inv.ID, "workflow", inv.WorkflowName,
				"attempt", inv.RecoveryAttempts+1, "max_attempts", inv.MaxRecoveryAttempts)
		case store.RecoveryExhausted:
			exhaustedTotal.Inc()
			c.logger.Warn("invocation exhausted recovery attempts",
				"workflow_id", inv.ID, "workflow", inv.WorkflowName,
				"max_attempts", inv.MaxRecoveryAttempts)
		case store.RecoveryExpired:
			expiredTotal.Inc()
			c.logger.Warn("invocation deadline elapsed while orphaned",
				"workflow_id", inv.ID, "workflow", inv.WorkflowName,
				"timeout_ms", inv.TimeoutMS)
		default:
			// Another executor resolved it between the list and the update.
			c.logger.Debug("invocation no longer recoverable", "workflow_id", inv.ID)
		}
	}

	if len(orphans) > 0 {
		c.logger.Info("recovery pass complete",
			"orphaned", len(orphans), "requeued", requeued, "app_version", c.appVersion)
	}
	return requeued, nil
}
