package automation

import (
	"time"

	"github.com/futurefish/aquacore/internal/command"
)

// Kind groups executions for reporting.
type Kind string

const (
	KindFeed     Kind = "FEED"
	KindWater    Kind = "WATER"
	KindFirmware Kind = "FIRMWARE"
	KindSystem   Kind = "SYSTEM"
	KindConfig   Kind = "CONFIG"
)

// KindOf maps a command kind to its execution kind.
func KindOf(action command.Kind) Kind {
	switch {
	case action == command.KindFeed:
		return KindFeed
	case action.IsWater():
		return KindWater
	case action == command.KindFirmwareUpdate:
		return KindFirmware
	case action == command.KindThresholdUpdate:
		return KindConfig
	default:
		return KindSystem
	}
}

// Priority orders competing executions.
type Priority string

const (
	PriorityManual    Priority = "MANUAL_COMMAND"
	PriorityEmergency Priority = "EMERGENCY_WATER"
	PriorityScheduled Priority = "SCHEDULED"
	PriorityThreshold Priority = "THRESHOLD"
)

// Priorities lists every priority, highest first.
var Priorities = []Priority{PriorityManual, PriorityEmergency, PriorityScheduled, PriorityThreshold}

// Rank returns 0 for the highest priority; unknown priorities rank last.
func (p Priority) Rank() int {
	for i, q := range Priorities {
		if p == q {
			return i
		}
	}
	return len(Priorities)
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < len(Priorities)
}

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Origin records what asked for an execution.
type Origin string

const (
	OriginManual    Origin = "MANUAL"
	OriginSchedule  Origin = "SCHEDULE"
	OriginThreshold Origin = "THRESHOLD"
	// OriginRecovery marks the refill spawned after a failed flush.
	OriginRecovery Origin = "RECOVERY"
)

// DefaultPriority is the priority used when a request does not name one.
func (o Origin) DefaultPriority() Priority {
	switch o {
	case OriginManual:
		return PriorityManual
	case OriginSchedule:
		return PriorityScheduled
	case OriginRecovery:
		return PriorityEmergency
	default:
		return PriorityThreshold
	}
}

func (o Origin) valid() bool {
	switch o {
	case OriginManual, OriginSchedule, OriginThreshold, OriginRecovery:
		return true
	}
	return false
}

// Execution binds one triggering reason to the commands carrying it out.
// It is COMPLETED only when every owned command completed; the first
// failure or timeout fails it.
type Execution struct {
	ID       string         `json:"id"`
	PondID   string         `json:"pond_id"`
	Kind     Kind           `json:"kind"`
	Action   command.Kind   `json:"action"`
	Priority Priority       `json:"priority"`
	Status   Status         `json:"status"`
	Origin   Origin         `json:"origin"`
	Params   command.Params `json:"parameters"`

	Success     *bool  `json:"success,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	// ScheduledAt is when the execution is next due; deferrals push it out.
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ThresholdID string `json:"threshold_id,omitempty"`
	ScheduleID  string `json:"schedule_id,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`

	// Attempts counts conflict deferrals.
	Attempts int `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Request asks for an action on a pond.
type Request struct {
	PondID string
	Action command.Kind
	Params command.Params
	Origin Origin

	// Priority defaults from Origin when empty.
	Priority Priority

	ThresholdID string
	ScheduleID  string
	RequestedBy string
}

// Result reports what Request did.
type Result struct {
	Execution *Execution
	Decision  Decision

	// Commands issued by this call; empty when the execution was deferred
	// or refused.
	Commands []*command.Command
}

// Weekdays is a bitmask of days; bit 0 is Sunday.
type Weekdays uint8

// EveryDay selects all seven days.
const EveryDay Weekdays = 1<<7 - 1

// Has reports whether d is selected.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// WeekdaysOf builds a mask from days.
func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// Schedule fires an action on a pond at a time of day on selected weekdays.
type Schedule struct {
	ID        string         `json:"id"`
	PondID    string         `json:"pond_id"`
	Name      string         `json:"name"`
	Action    command.Kind   `json:"action"`
	Params    command.Params `json:"parameters"`
	TimeOfDay string         `json:"time_of_day"` // HH:MM
	Weekdays  Weekdays       `json:"weekdays"`
	Priority  Priority       `json:"priority"`
	Enabled   bool           `json:"enabled"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextRun returns the first firing strictly after t, evaluated in loc.
func (s *Schedule) NextRun(t time.Time, loc *time.Location) (time.Time, error) {
	hour, minute, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	if s.Weekdays&EveryDay == 0 {
		return time.Time{}, errNoWeekdays
	}
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	for i := 0; i <= 7; i++ {
		day := local.AddDate(0, 0, i)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if candidate.After(t) && s.Weekdays.Has(candidate.Weekday()) {
			return candidate.UTC(), nil
		}
	}
	return time.Time{}, errNoWeekdays
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the real wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
