package bridge

import (
	"encoding/json"
	"time"

	"github.com/futurefish/aquacore/internal/infrastructure/mqtt"
)

// Message sources stamped on bus envelopes.
const (
	SourceCore   = "aquacore"
	SourceBridge = "aquabridge"
)

// OutboundMessage is a command payload addressed to one device.
type OutboundMessage struct {
	CommandID string          `json:"command_id"`
	DeviceID  string          `json:"device_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	QoS       byte            `json:"qos"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// InboundMessage is a device message lifted off the broker.
type InboundMessage struct {
	Topic       string           `json:"topic"`
	DeviceID    string           `json:"device_id"`
	MessageType mqtt.MessageType `json:"message_type"`
	Payload     json.RawMessage  `json:"payload"`
	Timestamp   time.Time        `json:"timestamp"`
	Source      string           `json:"source"`
}

// Status update kinds.
const (
	UpdateCommand   = "command"
	UpdateExecution = "execution"
	UpdateAlert     = "alert"
	UpdateDevice    = "device"
)

// StatusUpdate announces a command or execution status change to
// dashboards and anyone waiting on command_status_{id}.
type StatusUpdate struct {
	Kind        string    `json:"kind"`
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	PondID      string    `json:"pond_id,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	Status      string    `json:"status"`
	Success     *bool     `json:"success,omitempty"`
	Message     string    `json:"message,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	RetryCount  int       `json:"retry_count,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Health reports bus reachability and subscriber counts per channel.
type Health struct {
	Backend     string           `json:"backend"`
	Connected   bool             `json:"connected"`
	Subscribers map[string]int64 `json:"subscribers"`
	CheckedAt   time.Time        `json:"checked_at"`
}

// rawPayload keeps valid JSON as-is and wraps anything else as a JSON string,
// so a firmware sending plain text still produces a relayable envelope.
func rawPayload(b []byte) json.RawMessage {
	if len(b) > 0 && json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b)) //nolint:errcheck // string marshalling cannot fail
	return quoted
}
