package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireCommand is the JSON published on ff/{device_id}/commands.
type WireCommand struct {
	CommandID    string          `json:"command_id"`
	CommandType  Kind            `json:"command_type"`
	PondPosition int             `json:"pond_position"`
	Parameters   json.RawMessage `json:"parameters"`
	Timestamp    string          `json:"timestamp"`
}

// Ack is the device acknowledgment on ff/{device_id}/ack.
type Ack struct {
	CommandID    string `json:"command_id"`
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// Complete is the device completion report on ff/{device_id}/complete.
type Complete struct {
	CommandID       string `json:"command_id"`
	Success         bool   `json:"success"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	Message         string `json:"message,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorDetails    string `json:"error_details,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
}

// Detail picks the most specific failure text the device supplied.
func (a Ack) Detail() string { return firstNonEmpty(a.ErrorDetails, a.Message, a.ErrorCode) }

// Detail picks the most specific failure text the device supplied.
func (c Complete) Detail() string { return firstNonEmpty(c.ErrorDetails, c.Message, c.ErrorCode) }

// EncodeCommand renders the wire payload for c stamped at at.
func EncodeCommand(c *Command, at time.Time) ([]byte, error) {
	params, err := encodeParams(c.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WireCommand{
		CommandID:    c.ID,
		CommandType:  c.Kind,
		PondPosition: c.PondPosition,
		Parameters:   params,
		Timestamp:    at.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeAck parses an ack payload. A missing success flag counts as true,
// matching firmware that only reports failures explicitly.
func DecodeAck(payload []byte) (Ack, error) {
	a := Ack{Success: true}
	if err := json.Unmarshal(payload, &a); err != nil {
		return Ack{}, fmt.Errorf("%w: ack: %w", ErrInvalidPayload, err)
	}
	if a.CommandID == "" {
		return Ack{}, fmt.Errorf("%w: ack without command_id", ErrInvalidPayload)
	}
	return a, nil
}

// DecodeComplete parses a completion payload; success defaults to true.
func DecodeComplete(payload []byte) (Complete, error) {
	c := Complete{Success: true}
	if err := json.Unmarshal(payload, &c); err != nil {
		return Complete{}, fmt.Errorf("%w: complete: %w", ErrInvalidPayload, err)
	}
	if c.CommandID == "" {
		return Complete{}, fmt.Errorf("%w: complete without command_id", ErrInvalidPayload)
	}
	if c.ExecutionTimeMS < 0 {
		c.ExecutionTimeMS = 0
	}
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
