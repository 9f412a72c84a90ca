package bridge

import "errors"

var (
	// ErrUnavailable is returned when the message bus cannot be reached.
	ErrUnavailable = errors.New("bridge: unavailable")

	// ErrClosed is returned by a bus after Close.
	ErrClosed = errors.New("bridge: closed")

	// ErrInvalidMessage is returned for messages that cannot be relayed.
	ErrInvalidMessage = errors.New("bridge: invalid message")
)
