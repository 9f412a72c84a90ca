package threshold

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/database"
	"github.com/futurefish/aquacore/internal/infrastructure/metrics"
	"github.com/futurefish/aquacore/internal/notify"
)

// Logger defines the logging interface used by the evaluator.
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

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Requester starts automation executions; *automation.Coordinator
// implements it.
type Requester interface {
	Request(ctx context.Context, req automation.Request) (*automation.Result, error)
}

// PondResolver looks up ponds.
type PondResolver interface {
	GetPond(ctx context.Context, pondID string) (*device.Pond, error)
}

// Evaluator turns sensor readings into threshold-triggered executions.
// Violation streaks live in the database so any process may evaluate any
// reading; each evaluation is one immediate transaction.
type Evaluator struct {
	db            *database.DB
	requester     Requester
	ponds         PondResolver
	notifier      notify.Notifier
	logger        Logger
	clock         Clock
	maxViolations int
	windowSeconds int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the evaluator logger.
func WithLogger(l Logger) Option { return func(e *Evaluator) { e.logger = l } }

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(e *Evaluator) { e.clock = c } }

// WithNotifier sets where alert-only breaches are announced.
func WithNotifier(n notify.Notifier) Option { return func(e *Evaluator) { e.notifier = n } }

// WithDefaultMaxViolations sets max_violations for thresholds saved without one.
func WithDefaultMaxViolations(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxViolations = n
		}
	}
}

// WithDefaultViolationTimeout sets violation_timeout (seconds) for
// thresholds saved without one.
func WithDefaultViolationTimeout(seconds int) Option {
	return func(e *Evaluator) {
		if seconds > 0 {
			e.windowSeconds = seconds
		}
	}
}

// NewEvaluator creates an evaluator.
func NewEvaluator(db *database.DB, requester Requester, ponds PondResolver, opts ...Option) *Evaluator {
	e := &Evaluator{
		db:            db,
		requester:     requester,
		ponds:         ponds,
		notifier:      notify.NewMulti(),
		logger:        noopLogger{},
		clock:         systemClock{},
		maxViolations: DefaultMaxViolations,
		windowSeconds: DefaultViolationTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) repo() *SQLiteRepository {
	return NewSQLiteRepository(e.db)
}

func (e *Evaluator) inTx(ctx context.Context, fn func(repo *SQLiteRepository) error) error {
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(NewSQLiteRepository(tx))
	})
}

// Evaluate folds one reading into the pond parameter's violation streak.
// A reading inside the bounds clears the streak. A breach extends it, or
// starts a new one when the previous streak began more than
// violation_timeout ago. The breach that brings the streak to
// max_violations triggers the threshold's action and clears the streak.
//
// at must be the relay's receipt time, which every aquacore instance sees
// identically. Each instance consumes every inbound message, so a reading
// not later than the streak's last one has already been counted and is
// skipped.
func (e *Evaluator) Evaluate(ctx context.Context, pondID string, p Parameter, value float64, at time.Time) (Evaluation, error) {
	ev := Evaluation{PondID: pondID, Parameter: p, Value: value}
	if at.IsZero() {
		at = e.clock.Now()
	}
	// Stored timestamps keep millisecond precision.
	at = at.UTC().Truncate(time.Millisecond)

	var t *Threshold
	err := e.inTx(ctx, func(repo *SQLiteRepository) error {
		var err error
		t, err = repo.GetActive(ctx, pondID, p)
		if errors.Is(err, ErrThresholdNotFound) {
			t = nil
			return nil
		}
		if err != nil {
			return err
		}
		v, err := repo.GetViolation(ctx, pondID, p)
		if err != nil {
			return err
		}

		ev.Matched = true
		if v.LastAt != nil && !at.After(*v.LastAt) {
			ev.Replayed = true
			t = nil
			return nil
		}
		ev.Breached = t.Breached(value)
		if !ev.Breached {
			if v.Count == 0 {
				return nil
			}
			v.reset()
			last, val := at, value
			v.LastAt, v.LastValue = &last, &val
		} else {
			if v.Count > 0 && t.ViolationTimeout > 0 && v.FirstAt != nil && at.Sub(*v.FirstAt) > t.Window() {
				v.reset()
			}
			if v.Count == 0 {
				first := at
				v.FirstAt = &first
			}
			v.Count++
			last, val := at, value
			v.LastAt, v.LastValue = &last, &val
			ev.Count = v.Count
			if v.Count >= t.MaxViolations {
				ev.Triggered = true
				v.reset()
			}
		}
		v.UpdatedAt = e.clock.Now()
		return repo.SaveViolation(ctx, v)
	})
	if err != nil {
		return ev, fmt.Errorf("evaluating %s on pond %s: %w", p, pondID, err)
	}

	if ev.Replayed {
		e.logger.Debug("reading already evaluated", "pond_id", pondID, "parameter", p, "at", at)
		return ev, nil
	}
	if ev.Breached {
		e.logger.Debug("threshold breached",
			"pond_id", pondID, "parameter", p, "value", value, "count", ev.Count, "max", t.MaxViolations)
	}
	if !ev.Triggered {
		return ev, nil
	}
	return ev, e.trigger(ctx, t, &ev)
}

// trigger runs a threshold's action after its streak completed.
func (e *Evaluator) trigger(ctx context.Context, t *Threshold, ev *Evaluation) error {
	metrics.IncThresholdTrigger(string(t.Parameter))
	now := e.clock.Now()

	if t.Alerts() {
		ev.Outcome = OutcomeAlerted
		e.logger.Warn("threshold alert",
			"pond_id", t.PondID, "parameter", t.Parameter, "value", ev.Value,
			"lower", t.Lower, "upper", t.Upper, "alert_level", t.AlertLevel)
		e.notifier.Notify(ctx, bridge.StatusUpdate{
			Kind:      bridge.UpdateAlert,
			ID:        t.ID,
			PondID:    t.PondID,
			Status:    string(t.AlertLevel),
			Message:   fmt.Sprintf("%s %g outside [%g, %g]", t.Parameter, ev.Value, t.Lower, t.Upper),
			Timestamp: now,
		})
		return e.repo().RecordTrigger(ctx, t.PondID, t.Parameter, "", ev.Outcome, now)
	}

	res, err := e.requester.Request(ctx, automation.Request{
		PondID:      t.PondID,
		Action:      t.Action,
		Params:      t.ActionParams,
		Origin:      automation.OriginThreshold,
		Priority:    t.Priority,
		ThresholdID: t.ID,
	})
	if err != nil {
		ev.Outcome = OutcomeRejected
		if rerr := e.repo().RecordTrigger(ctx, t.PondID, t.Parameter, "", ev.Outcome, now); rerr != nil {
			e.logger.Error("recording rejected trigger failed", "threshold_id", t.ID, "error", rerr)
		}
		return fmt.Errorf("requesting %s for threshold %s: %w", t.Action, t.ID, err)
	}

	ev.ExecutionID = res.Execution.ID
	ev.Outcome = string(res.Execution.Status)
	e.logger.Info("threshold triggered automation",
		"pond_id", t.PondID, "parameter", t.Parameter, "value", ev.Value,
		"action", t.Action, "execution_id", ev.ExecutionID, "status", ev.Outcome)
	return e.repo().RecordTrigger(ctx, t.PondID, t.Parameter, ev.ExecutionID, ev.Outcome, now)
}

// ExecutionFinished closes out the violation behind a threshold-triggered
// execution. It implements automation.FinishObserver.
func (e *Evaluator) ExecutionFinished(ctx context.Context, exec *automation.Execution) error {
	if exec.Origin != automation.OriginThreshold || exec.ThresholdID == "" {
		return nil
	}
	repo := e.repo()
	t, err := repo.Get(ctx, exec.ThresholdID)
	if errors.Is(err, ErrThresholdNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	closed, err := repo.CloseExecution(ctx, t.PondID, t.Parameter, exec.ID, string(exec.Status), e.clock.Now())
	if err != nil {
		return err
	}
	if closed {
		e.logger.Info("threshold violation closed",
			"threshold_id", t.ID, "execution_id", exec.ID, "status", exec.Status)
	}
	return nil
}

// Saved is the result of saving a threshold.
type Saved struct {
	Threshold *Threshold `json:"threshold"`
	Created   bool       `json:"created"`

	// Push is the THRESHOLD_UPDATE execution sent to the device, if any.
	Push      *automation.Execution `json:"push,omitempty"`
	PushError string                `json:"push_error,omitempty"`
}

// Save creates or replaces the threshold for t's pond and parameter,
// clears its violation streak, and pushes active bounds to the device.
// The push failing does not undo the save; it is reported in PushError.
func (e *Evaluator) Save(ctx context.Context, t *Threshold, requestedBy string) (*Saved, error) {
	t.applyDefaults(e.windowSeconds, e.maxViolations)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.ponds.GetPond(ctx, t.PondID); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	saved := &Saved{Threshold: t}
	err := e.inTx(ctx, func(repo *SQLiteRepository) error {
		existing, err := repo.GetByParameter(ctx, t.PondID, t.Parameter)
		switch {
		case errors.Is(err, ErrThresholdNotFound):
			t.ID = uuid.New().String()
			t.CreatedAt, t.UpdatedAt = now, now
			saved.Created = true
			if err := repo.Insert(ctx, t); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			t.ID, t.CreatedAt, t.UpdatedAt = existing.ID, existing.CreatedAt, now
			if err := repo.Update(ctx, t); err != nil {
				return err
			}
		}

		v, err := repo.GetViolation(ctx, t.PondID, t.Parameter)
		if err != nil {
			return err
		}
		if v.Count == 0 {
			return nil
		}
		v.reset()
		v.UpdatedAt = now
		return repo.SaveViolation(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("threshold saved",
		"threshold_id", t.ID, "pond_id", t.PondID, "parameter", t.Parameter,
		"lower", t.Lower, "upper", t.Upper, "created", saved.Created)

	if !t.Active {
		return saved, nil
	}
	res, err := e.requester.Request(ctx, automation.Request{
		PondID: t.PondID,
		Action: command.KindThresholdUpdate,
		Params: command.ThresholdParams{
			Parameter: string(t.Parameter),
			Upper:     t.Upper,
			Lower:     t.Lower,
		},
		Origin:      automation.OriginManual,
		RequestedBy: requestedBy,
	})
	if res != nil {
		saved.Push = res.Execution
	}
	if err != nil {
		saved.PushError = err.Error()
		e.logger.Warn("threshold push failed", "threshold_id", t.ID, "error", err)
	}
	return saved, nil
}

// Get returns a threshold by ID.
func (e *Evaluator) Get(ctx context.Context, id string) (*Threshold, error) {
	return e.repo().Get(ctx, id)
}

// List returns a pond's thresholds.
func (e *Evaluator) List(ctx context.Context, pondID string) ([]Threshold, error) {
	return e.repo().ListByPond(ctx, pondID)
}

// Violation returns the current streak of a pond parameter.
func (e *Evaluator) Violation(ctx context.Context, pondID string, p Parameter) (*Violation, error) {
	return e.repo().GetViolation(ctx, pondID, p)
}

// Delete removes a threshold and its streak.
func (e *Evaluator) Delete(ctx context.Context, id string) error {
	return e.inTx(ctx, func(repo *SQLiteRepository) error {
		t, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		return repo.Delete(ctx, t)
	})
}
