package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hostbridge/pkg/logger"
)

// PollPolicy is the interval and attempt budget for following a push payment
// to its outcome.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Watcher finishes push payments server-side. Once a push is initiated it
// polls the order to a terminal status in the background, so the order still
// completes when the payer's browser stops polling.
type Watcher struct {
	engine *Engine
	policy PollPolicy
	logger logger.Logger
}

func NewWatcher(e *Engine, policy PollPolicy, log logger.Logger) *Watcher {
	return &Watcher{
		engine: e,
		policy: policy,
		logger: log,
	}
}

// Watch follows the order's push payment in a background goroutine. Each
// watch is independent; re-initiating a push starts a fresh watch against the
// latest request id.
func (w *Watcher) Watch(orderID uuid.UUID) {
	go func() {
		res, err := PollLoop(context.Background(), w.engine, orderID, w.policy.Interval, w.policy.MaxAttempts)
		if err != nil {
			w.logger.Error("Push watch aborted", map[string]interface{}{
				"order_id": orderID,
				"error":    err.Error(),
			})
			return
		}

		w.logger.Info("Push watch finished", map[string]interface{}{
			"order_id": orderID,
			"status":   res.Status,
		})
	}()
}
