package threshold

import "errors"

var (
	// ErrThresholdNotFound is returned when no threshold matches.
	ErrThresholdNotFound = errors.New("threshold: not found")

	// ErrInvalidThreshold is returned when a threshold fails validation.
	ErrInvalidThreshold = errors.New("threshold: invalid")

	// ErrUnknownParameter is returned for a sensor parameter with no
	// physical range.
	ErrUnknownParameter = errors.New("threshold: unknown parameter")
)
