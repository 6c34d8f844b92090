package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultTickInterval = time.Second

// Timer drives the controller's fallback clock. The tick itself is a no-op
// while the session is paused or while authoritative pushes are flowing; the
// loop exits once the session is terminal.
type Timer struct {
	controller *Controller
	interval   time.Duration
	logger     *zap.Logger
}

func NewTimer(controller *Controller, logger *zap.Logger) *Timer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timer{
		controller: controller,
		interval:   defaultTickInterval,
		logger:     logger,
	}
}

// Run ticks until ctx is cancelled or the session finishes.
func (t *Timer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			t.controller.Tick(now)
			if t.controller.View().IsCompleted {
				t.logger.Info("session finished, timer stopped")
				return nil
			}
		}
	}
}
