package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrPondNotFound) {
//	    // respond 404
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when registering a device ID twice.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrPondNotFound is returned when a pond ID or position does not exist.
	ErrPondNotFound = errors.New("device: pond not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidPond is returned when pond validation fails.
	ErrInvalidPond = errors.New("device: invalid pond")

	// ErrInvalidPayload is returned for heartbeat or status payloads that
	// cannot be decoded.
	ErrInvalidPayload = errors.New("device: invalid payload")
)
