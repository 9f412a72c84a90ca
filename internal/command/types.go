package command

import (
	"fmt"
	"time"
)

// Kind identifies what a command asks the device to do.
type Kind string

const (
	KindFeed             Kind = "FEED"
	KindWaterDrain       Kind = "WATER_DRAIN"
	KindWaterFill        Kind = "WATER_FILL"
	KindWaterFlush       Kind = "WATER_FLUSH"
	KindWaterInletOpen   Kind = "WATER_INLET_OPEN"
	KindWaterInletClose  Kind = "WATER_INLET_CLOSE"
	KindWaterOutletOpen  Kind = "WATER_OUTLET_OPEN"
	KindWaterOutletClose Kind = "WATER_OUTLET_CLOSE"
	KindFirmwareUpdate   Kind = "FIRMWARE_UPDATE"
	KindReboot           Kind = "REBOOT"
	KindThresholdUpdate  Kind = "THRESHOLD_UPDATE"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindFeed,
	KindWaterDrain, KindWaterFill, KindWaterFlush,
	KindWaterInletOpen, KindWaterInletClose, KindWaterOutletOpen, KindWaterOutletClose,
	KindFirmwareUpdate, KindReboot, KindThresholdUpdate,
}

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsWater reports whether k drives a water valve.
func (k Kind) IsWater() bool {
	switch k {
	case KindWaterDrain, KindWaterFill, KindWaterFlush,
		KindWaterInletOpen, KindWaterInletClose, KindWaterOutletOpen, KindWaterOutletClose:
		return true
	}
	return false
}

// Status is the lifecycle state of a command.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusSent         Status = "SENT"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusTimeout      Status = "TIMEOUT"
)

// IsTerminal reports whether s can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Command is one instruction to one pond position on one device.
type Command struct {
	ID           string `json:"id"`
	DeviceID     string `json:"device_id"`
	PondID       string `json:"pond_id"`
	PondPosition int    `json:"pond_position"`
	Kind         Kind   `json:"kind"`
	Params       Params `json:"parameters"`
	Status       Status `json:"status"`

	TimeoutSeconds int `json:"timeout_seconds"`
	MaxRetries     int `json:"max_retries"`
	RetryCount     int `json:"retry_count"`

	SentAt         *time.Time `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DeadlineAt     *time.Time `json:"deadline_at,omitempty"`

	Success         *bool  `json:"success,omitempty"`
	ResultMessage   string `json:"result_message,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorDetail     string `json:"error_detail,omitempty"`
	ExecutionTimeMS *int64 `json:"execution_time_ms,omitempty"`

	ExecutionID string    `json:"execution_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Timeout returns the per-attempt timeout as a duration.
func (c *Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Target addresses a pond on its controller.
type Target struct {
	DeviceID string
	PondID   string
	Position int
}

// Spec describes a command to create.
type Spec struct {
	Target Target
	Kind   Kind
	Params Params

	// TimeoutSeconds of zero takes the tracker default.
	TimeoutSeconds int
	MaxRetries     int

	// ExecutionID links the command to the automation execution that owns it.
	ExecutionID string
}

// Resolved is emitted exactly once per command when it reaches a terminal
// state.
type Resolved struct {
	CommandID   string    `json:"command_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	PondID      string    `json:"pond_id"`
	Kind        Kind      `json:"kind"`
	Outcome     Status    `json:"outcome"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Succeeded reports whether the command completed successfully.
func (r Resolved) Succeeded() bool {
	return r.Outcome == StatusCompleted
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the real wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
