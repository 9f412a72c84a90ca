package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/infrastructure/metrics"
	"github.com/futurefish/aquacore/internal/infrastructure/mqtt"
	"github.com/futurefish/aquacore/internal/notify"
)

// eventBuffer bounds how far the tracker may run ahead of the coordinator.
const eventBuffer = 128

// Logger is the logging interface used by the tracker and watchdog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// OutcomeSink receives terminal command outcomes for time-series storage.
type OutcomeSink interface {
	WriteCommandOutcome(deviceID, kind, status string, executionTimeMS int64, at time.Time)
}

// Config holds tracker defaults.
type Config struct {
	TimeoutSeconds int
	MaxRetries     int
	QoS            byte
}

// Tracker owns command state transitions.
type Tracker struct {
	repo     Repository
	bus      bridge.Publisher
	notifier notify.Notifier
	sink     OutcomeSink
	logger   Logger
	clock    Clock
	cfg      Config
	events   chan Resolved
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(l Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithNotifier sets where status changes are announced.
func WithNotifier(n notify.Notifier) Option { return func(t *Tracker) { t.notifier = n } }

// WithOutcomeSink records terminal outcomes, typically to InfluxDB.
func WithOutcomeSink(s OutcomeSink) Option { return func(t *Tracker) { t.sink = s } }

// NewTracker creates a tracker publishing through bus.
func NewTracker(repo Repository, bus bridge.Publisher, cfg Config, opts ...Option) *Tracker {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	t := &Tracker{
		repo:     repo,
		bus:      bus,
		notifier: notify.NewMulti(),
		logger:   noopLogger{},
		clock:    SystemClock{},
		cfg:      cfg,
		events:   make(chan Resolved, eventBuffer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Events delivers one Resolved per command reaching a terminal state in
// this process.
func (t *Tracker) Events() <-chan Resolved {
	return t.events
}

// Defaults returns the configured timeout and retry budget.
func (t *Tracker) Defaults() Config {
	return t.cfg
}

// Get loads a command by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*Command, error) {
	return t.repo.Get(ctx, id)
}

// ListByExecution returns an execution's commands in creation order.
func (t *Tracker) ListByExecution(ctx context.Context, executionID string) ([]Command, error) {
	return t.repo.ListByExecution(ctx, executionID)
}

// ListByPond returns a pond's most recent commands, newest first.
func (t *Tracker) ListByPond(ctx context.Context, pondID string, limit int) ([]Command, error) {
	return t.repo.ListByPond(ctx, pondID, limit)
}

// Create validates spec and stores a PENDING command with a fresh ID.
func (t *Tracker) Create(ctx context.Context, spec Spec) (*Command, error) {
	if err := CheckParams(spec.Kind, spec.Params); err != nil {
		return nil, err
	}
	if spec.Target.DeviceID == "" || spec.Target.PondID == "" {
		return nil, fmt.Errorf("%w: device and pond are required", ErrInvalidTarget)
	}
	if spec.Target.Position != 1 && spec.Target.Position != 2 {
		return nil, fmt.Errorf("%w: pond position must be 1 or 2, got %d", ErrInvalidTarget, spec.Target.Position)
	}
	if spec.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidParams)
	}
	timeout := spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = t.cfg.TimeoutSeconds
	}
	params := spec.Params
	if params == nil {
		params, _ = ParamsFor(spec.Kind) //nolint:errcheck // kind already checked
	}

	now := t.clock.Now()
	cmd := &Command{
		ID:             uuid.New().String(),
		DeviceID:       spec.Target.DeviceID,
		PondID:         spec.Target.PondID,
		PondPosition:   spec.Target.Position,
		Kind:           spec.Kind,
		Params:         params,
		Status:         StatusPending,
		TimeoutSeconds: timeout,
		MaxRetries:     spec.MaxRetries,
		ExecutionID:    spec.ExecutionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Armed at creation so the watchdog owns a command that never gets published.
	deadline := now.Add(cmd.Timeout())
	cmd.DeadlineAt = &deadline
	if err := t.repo.Insert(ctx, cmd); err != nil {
		return nil, err
	}

	metrics.IncCommandIssued()
	t.logger.Info("command created",
		"command_id", cmd.ID, "kind", cmd.Kind, "device_id", cmd.DeviceID, "execution_id", cmd.ExecutionID)
	t.announce(ctx, cmd, "")
	return cmd, nil
}

// Publish hands a PENDING command to the bridge and arms its deadline.
//
// A bridge failure is not returned: the command is left PENDING with the
// deadline set and the watchdog retries it like an unanswered send.
func (t *Tracker) Publish(ctx context.Context, cmd *Command) error {
	if cmd.Status != StatusPending || cmd.RetryCount != 0 || cmd.SentAt != nil {
		return fmt.Errorf("%w: publish from %s", ErrInvalidTransition, cmd.Status)
	}

	now := t.clock.Now()
	deadline := now.Add(cmd.Timeout())
	ok, err := t.repo.MarkSent(ctx, cmd.ID, now, deadline)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: command %s already published", ErrInvalidTransition, cmd.ID)
	}
	cmd.Status, cmd.SentAt, cmd.DeadlineAt, cmd.UpdatedAt = StatusSent, &now, &deadline, now

	t.dispatch(ctx, cmd, now)
	return nil
}

// CreateAndPublish is Create followed by Publish.
func (t *Tracker) CreateAndPublish(ctx context.Context, spec Spec) (*Command, error) {
	cmd, err := t.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := t.Publish(ctx, cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// dispatch sends a command already marked SENT, reverting it to PENDING if
// the bridge refuses.
func (t *Tracker) dispatch(ctx context.Context, cmd *Command, at time.Time) {
	t.announce(ctx, cmd, "")
	err := t.send(ctx, cmd, at)
	if err == nil {
		t.logger.Info("command sent",
			"command_id", cmd.ID, "device_id", cmd.DeviceID, "retry", cmd.RetryCount)
		return
	}

	t.logger.Warn("bridge refused command, leaving it to the watchdog",
		"command_id", cmd.ID, "retry", cmd.RetryCount, "error", err)
	reverted, rerr := t.repo.RevertToPending(ctx, cmd.ID, cmd.RetryCount)
	if rerr != nil {
		t.logger.Error("reverting unsent command failed", "command_id", cmd.ID, "error", rerr)
		return
	}
	if reverted {
		cmd.Status, cmd.SentAt = StatusPending, nil
		t.announce(ctx, cmd, "bridge unavailable")
	}
}

func (t *Tracker) send(ctx context.Context, cmd *Command, at time.Time) error {
	payload, err := EncodeCommand(cmd, at)
	if err != nil {
		return err
	}
	return t.bus.PublishOutbound(ctx, cmd.DeviceID, bridge.OutboundMessage{
		CommandID: cmd.ID,
		Topic:     mqtt.Topics{}.Commands(cmd.DeviceID),
		Payload:   payload,
		QoS:       t.cfg.QoS,
		Timestamp: at,
	})
}

// OnAck applies a device acknowledgment. Only the first ack is honoured;
// later ones are logged and ignored.
func (t *Tracker) OnAck(ctx context.Context, id string, success bool, message string) error {
	return t.ack(ctx, id, success, message, message)
}

// HandleAck applies a decoded ack payload.
func (t *Tracker) HandleAck(ctx context.Context, a Ack) error {
	return t.ack(ctx, a.CommandID, a.Success, a.Message, a.Detail())
}

func (t *Tracker) ack(ctx context.Context, id string, success bool, message, detail string) error {
	now := t.clock.Now()

	if !success {
		ok, err := t.repo.Finish(ctx, id, Terminal{
			Status:      StatusFailed,
			At:          now,
			Message:     message,
			ErrorCode:   CodeDeviceRejected,
			ErrorDetail: detail,
			From:        []Status{StatusPending, StatusSent},
			Acknowledge: true,
		})
		if err != nil {
			return err
		}
		if !ok {
			return t.ignored(ctx, id, "ack")
		}
		t.logger.Warn("device rejected command", "command_id", id, "message", message)
		return t.resolve(ctx, id)
	}

	ok, err := t.repo.Acknowledge(ctx, id, now, message)
	if err != nil {
		return err
	}
	if !ok {
		return t.ignored(ctx, id, "ack")
	}
	cmd, err := t.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	t.logger.Info("command acknowledged", "command_id", id)
	t.announce(ctx, cmd, message)
	return nil
}

// OnComplete applies a device completion report. A completion that arrives
// before its ack passes through ACKNOWLEDGED implicitly.
func (t *Tracker) OnComplete(ctx context.Context, id string, success bool, executionTimeMS int64, message string) error {
	return t.complete(ctx, id, success, executionTimeMS, message, message)
}

// HandleComplete applies a decoded completion payload.
func (t *Tracker) HandleComplete(ctx context.Context, c Complete) error {
	return t.complete(ctx, c.CommandID, c.Success, c.ExecutionTimeMS, c.Message, c.Detail())
}

func (t *Tracker) complete(ctx context.Context, id string, success bool, execMS int64, message, detail string) error {
	term := Terminal{
		Status:          StatusCompleted,
		At:              t.clock.Now(),
		Message:         message,
		ExecutionTimeMS: &execMS,
		From:            []Status{StatusPending, StatusSent, StatusAcknowledged},
		Acknowledge:     true,
	}
	if !success {
		term.Status = StatusFailed
		term.ErrorCode = CodeDeviceFailed
		term.ErrorDetail = detail
	}

	ok, err := t.repo.Finish(ctx, id, term)
	if err != nil {
		return err
	}
	if !ok {
		return t.ignored(ctx, id, "complete")
	}
	t.logger.Info("command finished", "command_id", id, "status", term.Status, "execution_time_ms", execMS)
	return t.resolve(ctx, id)
}

// OnTimeout handles an expired deadline: another attempt while retries
// remain, TIMEOUT afterwards. Stale calls for commands that moved on since
// the deadline was read are no-ops.
func (t *Tracker) OnTimeout(ctx context.Context, id string) error {
	cmd, err := t.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	now := t.clock.Now()
	if cmd.Status.IsTerminal() || cmd.DeadlineAt == nil || now.Before(*cmd.DeadlineAt) {
		return nil
	}

	if cmd.RetryCount < cmd.MaxRetries {
		deadline := now.Add(cmd.Timeout())
		ok, err := t.repo.Retry(ctx, id, cmd.Status, cmd.RetryCount, now, deadline)
		if err != nil {
			return err
		}
		if !ok {
			t.logger.Debug("retry lost race", "command_id", id)
			return nil
		}
		metrics.IncCommandRetry()
		cmd.RetryCount++
		cmd.Status, cmd.SentAt, cmd.AcknowledgedAt, cmd.DeadlineAt = StatusSent, &now, nil, &deadline
		t.logger.Info("retrying command", "command_id", id, "retry", cmd.RetryCount, "max_retries", cmd.MaxRetries)
		t.dispatch(ctx, cmd, now)
		return nil
	}

	retries := cmd.RetryCount
	ok, err := t.repo.Finish(ctx, id, Terminal{
		Status:      StatusTimeout,
		At:          now,
		Message:     "no response from device",
		ErrorCode:   CodeTimeout,
		ErrorDetail: fmt.Sprintf("no ack or completion after %d retries", retries),
		From:        []Status{StatusPending, StatusSent, StatusAcknowledged},
		RetryCount:  &retries,
		Expired:     true,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	t.logger.Warn("command timed out", "command_id", id, "retries", retries)
	return t.resolve(ctx, id)
}

// ignored distinguishes an unknown ID from a duplicate or late message.
func (t *Tracker) ignored(ctx context.Context, id, what string) error {
	cmd, err := t.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	t.logger.Info("duplicate or late "+what+" ignored", "command_id", id, "status", cmd.Status)
	return nil
}

// resolve announces a terminal transition this process won.
func (t *Tracker) resolve(ctx context.Context, id string) error {
	cmd, err := t.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	at := t.clock.Now()
	if cmd.CompletedAt != nil {
		at = *cmd.CompletedAt
	}

	metrics.IncCommandResult(string(cmd.Status))
	if t.sink != nil {
		var ms int64
		if cmd.ExecutionTimeMS != nil {
			ms = *cmd.ExecutionTimeMS
		}
		t.sink.WriteCommandOutcome(cmd.DeviceID, string(cmd.Kind), string(cmd.Status), ms, at)
	}
	message := cmd.ErrorDetail
	if message == "" {
		message = cmd.ResultMessage
	}
	t.announce(ctx, cmd, message)

	ev := Resolved{
		CommandID:   cmd.ID,
		ExecutionID: cmd.ExecutionID,
		PondID:      cmd.PondID,
		Kind:        cmd.Kind,
		Outcome:     cmd.Status,
		ErrorCode:   cmd.ErrorCode,
		Message:     message,
		At:          at,
	}
	select {
	case t.events <- ev:
	case <-ctx.Done():
		t.logger.Warn("resolved event dropped", "command_id", cmd.ID, "error", ctx.Err())
	}
	return nil
}

func (t *Tracker) announce(ctx context.Context, cmd *Command, message string) {
	t.notifier.Notify(ctx, bridge.StatusUpdate{
		Kind:        bridge.UpdateCommand,
		ID:          cmd.ID,
		ExecutionID: cmd.ExecutionID,
		PondID:      cmd.PondID,
		DeviceID:    cmd.DeviceID,
		Status:      string(cmd.Status),
		Success:     cmd.Success,
		Message:     message,
		ErrorCode:   cmd.ErrorCode,
		RetryCount:  cmd.RetryCount,
		Timestamp:   t.clock.Now(),
	})
}
