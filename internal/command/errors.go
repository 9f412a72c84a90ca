package command

import "errors"

// Domain errors for the command package.
var (
	// ErrNotFound is returned when a command ID does not exist.
	ErrNotFound = errors.New("command: not found")

	// ErrUnknownKind is returned for a kind outside the supported set.
	ErrUnknownKind = errors.New("command: unknown kind")

	// ErrInvalidParams is returned when parameters fail to decode or validate.
	ErrInvalidParams = errors.New("command: invalid parameters")

	// ErrInvalidTarget is returned when the device, pond or position is missing.
	ErrInvalidTarget = errors.New("command: invalid target")

	// ErrInvalidPayload is returned for device payloads that cannot be decoded.
	ErrInvalidPayload = errors.New("command: invalid device payload")

	// ErrInvalidTransition is returned when an operation does not apply to the
	// command's current status.
	ErrInvalidTransition = errors.New("command: invalid status transition")

	// ErrDeviceRejected marks a command the device refused on ack.
	ErrDeviceRejected = errors.New("command: device rejected")
)

// Machine-readable error codes stored on failed commands.
const (
	CodeDeviceRejected = "DEVICE_REJECTED"
	CodeDeviceFailed   = "DEVICE_FAILED"
	CodeTimeout        = "TIMEOUT"
)
