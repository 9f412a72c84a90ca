package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/futurefish/aquacore/internal/command"
)

// Tick summarises one ProcessDue pass.
type Tick struct {
	Started        int `json:"started"`
	Deferred       int `json:"deferred"`
	Cancelled      int `json:"cancelled"`
	SchedulesFired int `json:"schedules_fired"`
	Reconciled     int `json:"reconciled"`
}

// ProcessDue is the scheduler tick. It re-admits due deferred executions
// highest priority first, fires due schedules, and closes executions whose
// commands all finished without the coordinator hearing about it.
func (c *Coordinator) ProcessDue(ctx context.Context) (Tick, error) {
	var tick Tick
	now := c.clock.Now()

	due, err := c.store.Repo().ListDueDeferred(ctx, now, defaultBatchSize)
	if err != nil {
		return tick, err
	}
	for i := range due {
		status, err := c.readmit(ctx, due[i].ID, now)
		if err != nil {
			c.logger.Error("re-admitting execution failed", "execution_id", due[i].ID, "error", err)
			continue
		}
		switch status {
		case StatusExecuting:
			tick.Started++
		case StatusCancelled:
			tick.Cancelled++
		case StatusPending:
			tick.Deferred++
		}
	}

	fired, err := c.fireSchedules(ctx, now)
	tick.SchedulesFired = fired
	if err != nil {
		return tick, err
	}

	reconciled, err := c.reconcile(ctx, now)
	tick.Reconciled = reconciled
	return tick, err
}

// readmit runs admission again for one deferred execution and returns its
// resulting status, or "" if another process got to it first.
func (c *Coordinator) readmit(ctx context.Context, id string, now time.Time) (Status, error) {
	var (
		exec     *Execution
		decision Decision
	)
	err := c.store.InTx(ctx, func(repo *SQLiteRepository) error {
		var err error
		exec, err = repo.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status != StatusPending || exec.ScheduledAt.After(now) {
			exec = nil
			return nil
		}
		decision, err = c.admit(ctx, repo, exec, now)
		return err
	})
	if err != nil || exec == nil {
		return "", err
	}
	c.afterAdmit(ctx, exec, decision)
	return exec.Status, nil
}

func (c *Coordinator) fireSchedules(ctx context.Context, now time.Time) (int, error) {
	repo := c.store.Repo()
	schedules, err := repo.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range schedules {
		s := &schedules[i]
		next, err := s.NextRun(now, c.cfg.Location)
		if err != nil {
			c.logger.Error("schedule has no next run", "schedule_id", s.ID, "error", err)
			continue
		}
		won, err := repo.AdvanceSchedule(ctx, s.ID, *s.NextRunAt, now, next)
		if err != nil {
			return fired, err
		}
		if !won {
			continue
		}
		fired++

		_, err = c.Request(ctx, Request{
			PondID:     s.PondID,
			Action:     s.Action,
			Params:     s.Params,
			Origin:     OriginSchedule,
			Priority:   s.Priority,
			ScheduleID: s.ID,
		})
		if err != nil {
			c.logger.Error("scheduled execution failed", "schedule_id", s.ID, "error", err)
		}
	}
	return fired, nil
}

// reconcile closes EXECUTING executions whose commands have all reached a
// terminal state for longer than the grace period, typically because the
// process holding the resolved event stopped before handling it.
func (c *Coordinator) reconcile(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-c.cfg.ReconcileGrace)
	stranded, err := c.store.Repo().ListExecuting(ctx, cutoff, defaultBatchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stranded {
		exec := &stranded[i]
		cmds, err := c.commands.ListByExecution(ctx, exec.ID)
		if err != nil {
			return n, err
		}
		if len(cmds) == 0 {
			c.finish(ctx, exec, Outcome{
				Status:      StatusFailed,
				ErrorCode:   CodeCommandFailed,
				ErrorDetail: "no command was issued",
				At:          now,
			})
			n++
			continue
		}

		last := cmds[len(cmds)-1]
		if !allTerminal(cmds) || last.CompletedAt == nil || last.CompletedAt.After(cutoff) {
			continue
		}
		c.logger.Warn("reconciling stranded execution", "execution_id", exec.ID, "command_id", last.ID)
		err = c.HandleResolved(ctx, command.Resolved{
			CommandID:   last.ID,
			ExecutionID: exec.ID,
			PondID:      last.PondID,
			Kind:        last.Kind,
			Outcome:     last.Status,
			ErrorCode:   last.ErrorCode,
			Message:     last.ErrorDetail,
			At:          *last.CompletedAt,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func allTerminal(cmds []command.Command) bool {
	for _, cmd := range cmds {
		if !cmd.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// RunScheduler calls ProcessDue every interval until ctx ends.
func (c *Coordinator) RunScheduler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick, err := c.ProcessDue(ctx)
			if err != nil {
				c.logger.Error("scheduler tick failed", "error", err)
				continue
			}
			if tick != (Tick{}) {
				c.logger.Debug("scheduler tick", "started", tick.Started, "deferred", tick.Deferred,
					"cancelled", tick.Cancelled, "schedules_fired", tick.SchedulesFired, "reconciled", tick.Reconciled)
			}
		}
	}
}

// CreateSchedule validates and stores a schedule. Enabled schedules get
// their first run computed from now.
func (c *Coordinator) CreateSchedule(ctx context.Context, s *Schedule) error {
	if s.Params == nil {
		s.Params, _ = command.ParamsFor(s.Action) //nolint:errcheck // validated below
	}
	if err := ValidateSchedule(s); err != nil {
		return err
	}
	if _, err := c.ponds.GetPond(ctx, s.PondID); err != nil {
		return err
	}
	if s.Priority == "" {
		s.Priority = PriorityScheduled
	}

	now := c.clock.Now()
	s.ID = uuid.New().String()
	s.CreatedAt, s.UpdatedAt = now, now
	s.NextRunAt = nil
	if s.Enabled {
		next, err := s.NextRun(now, c.cfg.Location)
		if err != nil {
			return err
		}
		s.NextRunAt = &next
	}
	if err := c.store.Repo().CreateSchedule(ctx, s); err != nil {
		return err
	}
	c.logger.Info("schedule created", "schedule_id", s.ID, "pond_id", s.PondID, "action", s.Action, "time_of_day", s.TimeOfDay)
	return nil
}

// GetSchedule returns a schedule by ID.
func (c *Coordinator) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return c.store.Repo().GetSchedule(ctx, id)
}

// ListSchedules returns a pond's schedules.
func (c *Coordinator) ListSchedules(ctx context.Context, pondID string) ([]Schedule, error) {
	return c.store.Repo().ListSchedules(ctx, pondID)
}

// SetScheduleEnabled enables or disables a schedule.
func (c *Coordinator) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*Schedule, error) {
	repo := c.store.Repo()
	s, err := repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	var next *time.Time
	if enabled {
		n, err := s.NextRun(now, c.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("computing next run: %w", err)
		}
		next = &n
	}
	if err := repo.SetScheduleEnabled(ctx, id, enabled, next, now); err != nil {
		return nil, err
	}
	s.Enabled, s.NextRunAt, s.UpdatedAt = enabled, next, now
	return s, nil
}

// DeleteSchedule removes a schedule.
func (c *Coordinator) DeleteSchedule(ctx context.Context, id string) error {
	return c.store.Repo().DeleteSchedule(ctx, id)
}
