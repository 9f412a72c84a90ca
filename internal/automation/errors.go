package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrBusy) {
//	    // respond 409
//	}
var (
	// ErrValidation is returned when a request or schedule is malformed.
	// Nothing is stored when it is returned.
	ErrValidation = errors.New("automation: validation failed")

	// ErrBusy is returned to manual requests blocked by a conflicting
	// execution on the same pond.
	ErrBusy = errors.New("automation: pond busy")

	// ErrExecutionNotFound is returned when an execution ID does not exist.
	ErrExecutionNotFound = errors.New("automation: execution not found")

	// ErrScheduleNotFound is returned when a schedule ID does not exist.
	ErrScheduleNotFound = errors.New("automation: schedule not found")

	// ErrNotCancellable is returned when cancelling an execution that has
	// already started or finished.
	ErrNotCancellable = errors.New("automation: execution not cancellable")
)

// Error codes recorded on failed or cancelled executions.
const (
	CodeConflictBusy     = "CONFLICT_BUSY"
	CodeFlushDrainFailed = "FLUSH_DRAIN_FAILED"
	CodeFlushFillFailed  = "FLUSH_FILL_FAILED"
	CodeCommandFailed    = "COMMAND_FAILED"
	CodeCommandTimeout   = "COMMAND_TIMEOUT"
	CodeCancelled        = "CANCELLED"
)
