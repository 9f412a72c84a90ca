package threshold

import (
	"fmt"
	"strings"
	"time"

	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/command"
)

// Defaults applied to thresholds saved without them.
const (
	DefaultViolationTimeout = 30 // seconds
	DefaultMaxViolations    = 3
)

// ActionAlert is a threshold action that raises an alert instead of
// running an automation.
const ActionAlert command.Kind = "ALERT"

// AlertLevel grades how urgent a breach is.
type AlertLevel string

const (
	AlertLow      AlertLevel = "LOW"
	AlertMedium   AlertLevel = "MEDIUM"
	AlertHigh     AlertLevel = "HIGH"
	AlertCritical AlertLevel = "CRITICAL"
)

func (l AlertLevel) valid() bool {
	switch l {
	case AlertLow, AlertMedium, AlertHigh, AlertCritical:
		return true
	}
	return false
}

// Threshold bounds one sensor parameter on one pond and names the action
// to run once readings stay outside the bounds.
type Threshold struct {
	ID        string    `json:"id"`
	PondID    string    `json:"pond_id"`
	Parameter Parameter `json:"parameter"`
	Upper     float64   `json:"upper_threshold"`
	Lower     float64   `json:"lower_threshold"`

	Action       command.Kind        `json:"automation_action"`
	ActionParams command.Params      `json:"action_parameters,omitempty"`
	Priority     automation.Priority `json:"priority"`
	AlertLevel   AlertLevel          `json:"alert_level"`

	// ViolationTimeout is the window, in seconds from the first breach of a
	// streak, within which MaxViolations breaches must arrive.
	ViolationTimeout int  `json:"violation_timeout"`
	MaxViolations    int  `json:"max_violations"`
	Active           bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Breached reports whether v lies outside [Lower, Upper].
func (t *Threshold) Breached(v float64) bool {
	return v > t.Upper || v < t.Lower
}

// Window returns ViolationTimeout as a duration.
func (t *Threshold) Window() time.Duration {
	return time.Duration(t.ViolationTimeout) * time.Second
}

// Alerts reports whether the threshold only raises an alert.
func (t *Threshold) Alerts() bool {
	return t.Action == ActionAlert
}

// applyDefaults fills unset fields.
func (t *Threshold) applyDefaults(violationTimeout, maxViolations int) {
	if t.Priority == "" {
		t.Priority = automation.PriorityThreshold
	}
	if t.AlertLevel == "" {
		t.AlertLevel = AlertMedium
	}
	if t.ViolationTimeout == 0 {
		t.ViolationTimeout = violationTimeout
	}
	if t.MaxViolations == 0 {
		t.MaxViolations = maxViolations
	}
	if t.Action == "" {
		t.Action = ActionAlert
	}
	if t.ActionParams == nil && !t.Alerts() {
		t.ActionParams, _ = command.ParamsFor(t.Action) //nolint:errcheck // checked by Validate
	}
}

// Validate checks a threshold definition.
func (t *Threshold) Validate() error {
	if strings.TrimSpace(t.PondID) == "" {
		return fmt.Errorf("%w: pond_id is required", ErrInvalidThreshold)
	}
	if _, err := ParseParameter(string(t.Parameter)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidThreshold, err)
	}
	if !(t.Lower < t.Upper) {
		return fmt.Errorf("%w: lower_threshold %g must be below upper_threshold %g", ErrInvalidThreshold, t.Lower, t.Upper)
	}
	if !t.Alerts() {
		if err := command.CheckParams(t.Action, t.ActionParams); err != nil {
			return fmt.Errorf("%w: automation_action: %w", ErrInvalidThreshold, err)
		}
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidThreshold, t.Priority)
	}
	if !t.AlertLevel.valid() {
		return fmt.Errorf("%w: unknown alert_level %q", ErrInvalidThreshold, t.AlertLevel)
	}
	if t.ViolationTimeout < 0 {
		return fmt.Errorf("%w: violation_timeout must not be negative", ErrInvalidThreshold)
	}
	if t.MaxViolations < 1 {
		return fmt.Errorf("%w: max_violations must be at least 1", ErrInvalidThreshold)
	}
	return nil
}

// Violation is the running breach streak of one pond parameter.
type Violation struct {
	PondID    string     `json:"pond_id"`
	Parameter Parameter  `json:"parameter"`
	Count     int        `json:"count"`
	FirstAt   *time.Time `json:"first_at,omitempty"`
	LastAt    *time.Time `json:"last_at,omitempty"`
	LastValue *float64   `json:"last_value,omitempty"`

	// LastExecutionID and LastOutcome describe the most recent trigger.
	LastExecutionID string    `json:"last_execution_id,omitempty"`
	LastOutcome     string    `json:"last_outcome,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// reset clears the streak, keeping the trigger history.
func (v *Violation) reset() {
	v.Count = 0
	v.FirstAt = nil
}

// Evaluation reports what one reading did.
type Evaluation struct {
	PondID    string    `json:"pond_id"`
	Parameter Parameter `json:"parameter"`
	Value     float64   `json:"value"`

	// Matched is false when the pond has no active threshold for Parameter.
	Matched  bool `json:"matched"`
	Breached bool `json:"breached"`
	Count    int  `json:"count"`

	// Replayed is set when a reading at or before the streak's last one was
	// already folded in by another instance and was skipped.
	Replayed bool `json:"replayed,omitempty"`

	Triggered   bool   `json:"triggered"`
	ExecutionID string `json:"execution_id,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

// Outcomes recorded on a violation besides execution statuses.
const (
	OutcomeAlerted  = "ALERTED"
	OutcomeRejected = "REJECTED"
)
