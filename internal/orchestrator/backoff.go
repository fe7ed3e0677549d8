package orchestrator

import (
	"context"
	"time"
)

const (
	backoffAttempts = 5
	backoffBase     = 500 * time.Millisecond
)

// withBackoff retries a gateway call with exponential backoff. It gives up
// early on shutdown; callers treat an exhausted budget as "re-send later",
// never as data loss, because every report is replayable from local state.
func (o *Orchestrator) withBackoff(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	var err error
	delay := backoffBase
	for i := 0; i < backoffAttempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		o.logger.Warn("gateway call failed, backing off",
			"call", what, "attempt", i+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-o.stopCh:
			timer.Stop()
			return err
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
