package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/metrics"
	"github.com/futurefish/aquacore/internal/notify"
)

// Defaults for Config fields left zero.
const (
	DefaultConflictBackoff = 60 * time.Second
	DefaultMaxDeferrals    = 30
	DefaultReconcileGrace  = 2 * time.Minute
	defaultBatchSize       = 100
)

// Logger defines the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Commands is what the coordinator needs from the command tracker.
type Commands interface {
	Create(ctx context.Context, spec command.Spec) (*command.Command, error)
	Publish(ctx context.Context, cmd *command.Command) error
	ListByExecution(ctx context.Context, executionID string) ([]command.Command, error)
	Defaults() command.Config
}

// PondResolver finds the controller and position driving a pond.
type PondResolver interface {
	GetPond(ctx context.Context, pondID string) (*device.Pond, error)
}

// FinishObserver is told about every execution reaching a terminal state
// through this coordinator.
type FinishObserver interface {
	ExecutionFinished(ctx context.Context, exec *Execution) error
}

// Config tunes conflict handling and the scheduler.
type Config struct {
	// ConflictBackoff is how far a blocked non-manual execution is pushed out.
	ConflictBackoff time.Duration

	// MaxDeferrals cancels an execution blocked this many times.
	MaxDeferrals int

	// FlushRecoveryLevel, when positive, refills the pond to this level
	// after the fill step of a flush fails.
	FlushRecoveryLevel float64

	// Location is where schedule times of day are interpreted.
	Location *time.Location

	// ReconcileGrace is how long an execution whose commands have all
	// finished may wait for its resolved event before ProcessDue closes it.
	ReconcileGrace time.Duration
}

// Coordinator turns requests into executions and executions into commands,
// and closes executions as their commands resolve.
//
// Admission (conflict check plus the move to EXECUTING) happens in a single
// store transaction, so two processes can never both start conflicting
// executions on one pond.
type Coordinator struct {
	store     *Store
	commands  Commands
	ponds     PondResolver
	notifier  notify.Notifier
	observers []FinishObserver
	logger    Logger
	clock     Clock
	cfg       Config
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithClock overrides the wall clock.
func WithClock(clk Clock) Option { return func(c *Coordinator) { c.clock = clk } }

// WithNotifier sets where execution status changes are announced.
func WithNotifier(n notify.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// NewCoordinator creates a coordinator.
func NewCoordinator(store *Store, commands Commands, ponds PondResolver, cfg Config, opts ...Option) *Coordinator {
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = DefaultConflictBackoff
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = DefaultMaxDeferrals
	}
	if cfg.ReconcileGrace <= 0 {
		cfg.ReconcileGrace = DefaultReconcileGrace
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	c := &Coordinator{
		store:    store,
		commands: commands,
		ponds:    ponds,
		notifier: notify.NewMulti(),
		logger:   noopLogger{},
		clock:    SystemClock{},
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe registers an observer of finished executions. Call before Run.
func (c *Coordinator) Observe(o FinishObserver) {
	c.observers = append(c.observers, o)
}

// Get returns an execution by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Execution, error) {
	return c.store.Repo().GetExecution(ctx, id)
}

// ListExecutions returns a pond's executions, newest first.
func (c *Coordinator) ListExecutions(ctx context.Context, pondID string, limit int) ([]Execution, error) {
	return c.store.Repo().ListExecutions(ctx, pondID, limit)
}

// Request validates req, records an execution and admits it: started now,
// deferred by the conflict backoff, or (for manual requests) refused with
// ErrBusy. The returned Result is non-nil whenever an execution was stored.
func (c *Coordinator) Request(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	if _, err := c.ponds.GetPond(ctx, req.PondID); err != nil {
		return nil, err
	}

	params := req.Params
	if params == nil {
		params, _ = command.ParamsFor(req.Action) //nolint:errcheck // action already validated
	}
	priority := req.Priority
	if priority == "" {
		priority = req.Origin.DefaultPriority()
	}

	now := c.clock.Now()
	exec := &Execution{
		ID:          uuid.New().String(),
		PondID:      req.PondID,
		Kind:        KindOf(req.Action),
		Action:      req.Action,
		Priority:    priority,
		Status:      StatusPending,
		Origin:      req.Origin,
		Params:      params,
		ScheduledAt: now,
		ThresholdID: req.ThresholdID,
		ScheduleID:  req.ScheduleID,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var decision Decision
	err := c.store.InTx(ctx, func(repo *SQLiteRepository) error {
		if err := repo.CreateExecution(ctx, exec); err != nil {
			return err
		}
		var err error
		decision, err = c.admit(ctx, repo, exec, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("admitting execution: %w", err)
	}

	c.logger.Info("execution requested",
		"execution_id", exec.ID, "pond_id", exec.PondID, "action", exec.Action,
		"origin", exec.Origin, "priority", exec.Priority, "status", exec.Status)

	// The execution is committed; its commands go out even if the caller
	// has gone away.
	ctx = context.WithoutCancel(ctx)
	result := &Result{Execution: exec, Decision: decision}
	result.Commands = c.afterAdmit(ctx, exec, decision)
	if exec.Status == StatusCancelled && exec.Origin == OriginManual {
		return result, fmt.Errorf("%w: %s", ErrBusy, decision.Reason)
	}
	return result, nil
}

// admit resolves exec against the pond's running executions and applies
// the verdict inside the caller's transaction.
func (c *Coordinator) admit(ctx context.Context, repo *SQLiteRepository, exec *Execution, now time.Time) (Decision, error) {
	active, err := repo.ListActive(ctx, exec.PondID)
	if err != nil {
		return Decision{}, err
	}
	decision := CanExecute(exec, active)

	switch {
	case decision.Allowed:
		ok, err := repo.Start(ctx, exec.ID, now)
		if err != nil {
			return decision, err
		}
		if !ok {
			return decision, fmt.Errorf("execution %s left PENDING concurrently", exec.ID)
		}
		exec.Status, exec.StartedAt = StatusExecuting, &now

	case exec.Origin == OriginManual || exec.Attempts >= c.cfg.MaxDeferrals:
		detail := decision.Reason
		if exec.Origin != OriginManual {
			detail = fmt.Sprintf("gave up after %d deferrals: %s", exec.Attempts, decision.Reason)
		}
		out := Outcome{Status: StatusCancelled, ErrorCode: CodeConflictBusy, ErrorDetail: detail, At: now}
		if _, err := repo.Finish(ctx, exec.ID, out); err != nil {
			return decision, err
		}
		exec.apply(out)

	default:
		until := now.Add(c.cfg.ConflictBackoff)
		if _, err := repo.Defer(ctx, exec.ID, until, now); err != nil {
			return decision, err
		}
		exec.ScheduledAt = until
		exec.Attempts++
	}
	exec.UpdatedAt = now
	return decision, nil
}

// afterAdmit does the side effects of an admission once it has committed.
func (c *Coordinator) afterAdmit(ctx context.Context, exec *Execution, decision Decision) []*command.Command {
	switch exec.Status {
	case StatusExecuting:
		metrics.IncConflictDecision("allowed")
		c.announce(ctx, exec, "")
		return c.launch(ctx, exec)
	case StatusCancelled:
		metrics.IncConflictDecision("refused")
		c.logger.Warn("execution refused", "execution_id", exec.ID, "reason", decision.Reason)
		c.finished(ctx, exec)
	default:
		metrics.IncConflictDecision("deferred")
		c.logger.Info("execution deferred",
			"execution_id", exec.ID, "until", exec.ScheduledAt, "attempts", exec.Attempts, "reason", decision.Reason)
		c.announce(ctx, exec, decision.Reason)
	}
	return nil
}

// launch issues the first command of a started execution. A flush starts
// with its drain step; the fill follows once the drain completes.
func (c *Coordinator) launch(ctx context.Context, exec *Execution) []*command.Command {
	kind, params := exec.Action, exec.Params
	if fp, ok := exec.Params.(command.FlushParams); ok {
		kind, params = command.KindWaterDrain, fp.Drain()
	}
	cmd, err := c.issue(ctx, exec, kind, params)
	if err != nil {
		return nil
	}
	return []*command.Command{cmd}
}

// issue creates and publishes one command for exec, failing the execution
// if the command cannot be created.
func (c *Coordinator) issue(ctx context.Context, exec *Execution, kind command.Kind, params command.Params) (*command.Command, error) {
	pond, err := c.ponds.GetPond(ctx, exec.PondID)
	if err == nil {
		defaults := c.commands.Defaults()
		var cmd *command.Command
		cmd, err = c.commands.Create(ctx, command.Spec{
			Target:      command.Target{DeviceID: pond.DeviceID, PondID: pond.ID, Position: pond.Position},
			Kind:        kind,
			Params:      params,
			MaxRetries:  defaults.MaxRetries,
			ExecutionID: exec.ID,
		})
		if err == nil {
			if perr := c.commands.Publish(ctx, cmd); perr != nil {
				c.logger.Error("publishing command failed", "command_id", cmd.ID, "error", perr)
			}
			return cmd, nil
		}
	}

	c.logger.Error("issuing command failed", "execution_id", exec.ID, "kind", kind, "error", err)
	c.finish(ctx, exec, Outcome{
		Status:      StatusFailed,
		ErrorCode:   CodeCommandFailed,
		ErrorDetail: fmt.Sprintf("creating %s command: %v", kind, err),
		At:          c.clock.Now(),
	})
	return nil, err
}

// HandleResolved folds a command outcome into its execution. Outcomes for
// commands without an execution, or for executions already closed, are
// ignored.
func (c *Coordinator) HandleResolved(ctx context.Context, ev command.Resolved) error {
	if ev.ExecutionID == "" {
		return nil
	}
	exec, err := c.store.Repo().GetExecution(ctx, ev.ExecutionID)
	if errors.Is(err, ErrExecutionNotFound) {
		c.logger.Warn("resolved command has unknown execution", "command_id", ev.CommandID, "execution_id", ev.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status != StatusExecuting {
		c.logger.Debug("late command outcome ignored", "execution_id", exec.ID, "status", exec.Status)
		return nil
	}
	flush := exec.Action == command.KindWaterFlush

	if !ev.Succeeded() {
		code := CodeCommandFailed
		if ev.Outcome == command.StatusTimeout {
			code = CodeCommandTimeout
		}
		if flush {
			code = CodeFlushFillFailed
			if ev.Kind == command.KindWaterDrain {
				code = CodeFlushDrainFailed
			}
		}
		won := c.finish(ctx, exec, Outcome{
			Status:      StatusFailed,
			ErrorCode:   code,
			ErrorDetail: fmt.Sprintf("%s command %s %s (%s): %s", ev.Kind, ev.CommandID, ev.Outcome, ev.ErrorCode, ev.Message),
			At:          c.clock.Now(),
		})
		if won && code == CodeFlushFillFailed && c.cfg.FlushRecoveryLevel > 0 {
			c.recoverLevel(ctx, exec)
		}
		return nil
	}

	if flush && ev.Kind == command.KindWaterDrain {
		return c.startFill(ctx, exec)
	}

	c.finish(ctx, exec, Outcome{Status: StatusCompleted, Success: true, At: c.clock.Now()})
	return nil
}

func (c *Coordinator) startFill(ctx context.Context, exec *Execution) error {
	cmds, err := c.commands.ListByExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if cmd.Kind == command.KindWaterFill {
			return nil
		}
	}
	fp, ok := exec.Params.(command.FlushParams)
	if !ok {
		return fmt.Errorf("flush execution %s has %T parameters", exec.ID, exec.Params)
	}
	c.logger.Info("flush drain completed, filling", "execution_id", exec.ID, "fill_level", fp.FillLevel)
	_, err = c.issue(ctx, exec, command.KindWaterFill, fp.Fill())
	return err
}

// recoverLevel refills a pond left drained by a failed flush.
func (c *Coordinator) recoverLevel(ctx context.Context, failed *Execution) {
	res, err := c.Request(ctx, Request{
		PondID:      failed.PondID,
		Action:      command.KindWaterFill,
		Params:      command.FillParams{TargetLevel: c.cfg.FlushRecoveryLevel},
		Origin:      OriginRecovery,
		Priority:    PriorityEmergency,
		RequestedBy: failed.RequestedBy,
	})
	if err != nil {
		c.logger.Error("flush recovery fill failed", "execution_id", failed.ID, "error", err)
		return
	}
	c.logger.Warn("flush fill failed, recovery fill requested",
		"execution_id", failed.ID, "recovery_execution_id", res.Execution.ID, "level", c.cfg.FlushRecoveryLevel)
}

// finish records a terminal outcome. Only the process whose update wins
// reports it.
func (c *Coordinator) finish(ctx context.Context, exec *Execution, out Outcome) bool {
	ok, err := c.store.Repo().Finish(ctx, exec.ID, out)
	if err != nil {
		c.logger.Error("finishing execution failed", "execution_id", exec.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	exec.apply(out)
	c.finished(ctx, exec)
	return true
}

func (c *Coordinator) finished(ctx context.Context, exec *Execution) {
	metrics.IncExecutionResult(string(exec.Status), string(exec.Origin))
	c.logger.Info("execution finished",
		"execution_id", exec.ID, "status", exec.Status, "error_code", exec.ErrorCode)
	c.announce(ctx, exec, exec.ErrorDetail)
	for _, o := range c.observers {
		if err := o.ExecutionFinished(ctx, exec); err != nil {
			c.logger.Error("execution observer failed", "execution_id", exec.ID, "error", err)
		}
	}
}

func (e *Execution) apply(out Outcome) {
	success := out.Success
	at := out.At
	e.Status, e.Success = out.Status, &success
	e.ErrorCode, e.ErrorDetail = out.ErrorCode, out.ErrorDetail
	e.CompletedAt, e.UpdatedAt = &at, at
}

// Cancel cancels a deferred execution. Started executions run to the end.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) (*Execution, error) {
	repo := c.store.Repo()
	exec, err := repo.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	ok, err := repo.Cancel(ctx, id, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: execution is %s", ErrNotCancellable, exec.Status)
	}
	exec.apply(Outcome{Status: StatusCancelled, ErrorCode: CodeCancelled, ErrorDetail: reason, At: now})
	c.finished(ctx, exec)
	return exec, nil
}

// Run consumes resolved-command events until ctx ends or events closes.
func (c *Coordinator) Run(ctx context.Context, events <-chan command.Resolved) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.HandleResolved(ctx, ev); err != nil {
				c.logger.Error("handling resolved command failed",
					"command_id", ev.CommandID, "execution_id", ev.ExecutionID, "error", err)
			}
		}
	}
}

func (c *Coordinator) announce(ctx context.Context, exec *Execution, message string) {
	c.notifier.Notify(ctx, bridge.StatusUpdate{
		Kind:        bridge.UpdateExecution,
		ID:          exec.ID,
		ExecutionID: exec.ID,
		PondID:      exec.PondID,
		Status:      string(exec.Status),
		Success:     exec.Success,
		Message:     message,
		ErrorCode:   exec.ErrorCode,
		Timestamp:   c.clock.Now(),
	})
}
