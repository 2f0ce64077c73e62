package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// Janitor prunes mirror records whose expiry has passed. Records outlive
// their in-memory entry only when the process restarted before a decision.
type Janitor struct {
	mirror   storage.PendingMirror
	schedule string
	now      func() time.Time
}

// NewJanitor validates the cron schedule and returns a janitor.
func NewJanitor(mirror storage.PendingMirror, schedule string) (*Janitor, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", schedule)
	}
	return &Janitor{mirror: mirror, schedule: schedule, now: time.Now}, nil
}

// Sweep deletes expired records once.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.mirror.DeleteExpiredPending(ctx, j.now())
	if err != nil {
		return 0, fmt.Errorf("failed to prune pending mirror: %w", err)
	}
	if n > 0 {
		logger.InfoCF("approval", "Pruned expired pending records", map[string]any{
			"count": n,
		})
	}
	return n, nil
}

// Run sweeps at startup and then on every schedule tick until ctx ends.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.Sweep(ctx); err != nil {
		logger.WarnCF("approval", "Janitor sweep failed", map[string]any{"error": err.Error()})
	}

	for {
		next, err := gronx.NextTickAfter(j.schedule, j.now(), false)
		if err != nil {
			return fmt.Errorf("failed to compute next janitor tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := j.Sweep(ctx); err != nil {
			logger.WarnCF("approval", "Janitor sweep failed", map[string]any{"error": err.Error()})
		}
	}
}
