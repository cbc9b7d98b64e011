package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PollLoop drives QueryStatus at a fixed interval until the order reaches a
// terminal status, the attempt budget runs out, or ctx is cancelled. Polling
// policy (interval, budget, cancellation) belongs to the caller; the engine
// itself stays stateless and synchronous per call.
//
// Query-level errors (status "error") are retried within the budget. The
// last observed result is returned when the budget is exhausted.
func PollLoop(ctx context.Context, e *Engine, orderID uuid.UUID, interval time.Duration, maxAttempts int) (*PollResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *PollResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := e.QueryStatus(ctx, orderID)
		if err != nil {
			return nil, err
		}
		last = res

		if res.Status.Terminal() {
			return res, nil
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}

	return last, nil
}
