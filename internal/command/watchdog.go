package command

import (
	"context"
	"time"
)

const defaultSweepBatch = 100

// Watchdog periodically times out commands whose deadline has passed.
// Several processes may run one; the guarded updates make sweeps idempotent.
type Watchdog struct {
	tracker  *Tracker
	interval time.Duration
	batch    int
}

// NewWatchdog creates a watchdog sweeping every interval.
func NewWatchdog(tracker *Tracker, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{tracker: tracker, interval: interval, batch: defaultSweepBatch}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.tracker.logger.Error("watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep handles every expired command once and returns how many it saw.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	expired, err := w.tracker.repo.ListExpired(ctx, w.tracker.clock.Now(), w.batch)
	if err != nil {
		return 0, err
	}
	for _, cmd := range expired {
		if err := w.tracker.OnTimeout(ctx, cmd.ID); err != nil {
			w.tracker.logger.Error("timeout handling failed", "command_id", cmd.ID, "error", err)
		}
	}
	return len(expired), nil
}
