package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot is the first segment of every device topic: ff/{device_id}/{type}.
const TopicRoot = "ff"

// BridgeStatusTopic carries the relay's own online/offline status (retained, LWT).
const BridgeStatusTopic = "aquacore/bridge/status"

// MessageType is the final segment of a device topic.
type MessageType string

// Device topic kinds. Commands flow to the device; everything else flows from it.
const (
	MessageCommands  MessageType = "commands"
	MessageAck       MessageType = "ack"
	MessageComplete  MessageType = "complete"
	MessageSensors   MessageType = "sensors"
	MessageHeartbeat MessageType = "heartbeat"
	MessageStartup   MessageType = "startup"
	MessageStatus    MessageType = "status"
	MessageThreshold MessageType = "threshold"
)

// InboundTypes lists the message types a device publishes, in the order the
// relay subscribes them.
var InboundTypes = []MessageType{
	MessageAck,
	MessageComplete,
	MessageSensors,
	MessageHeartbeat,
	MessageStartup,
	MessageStatus,
	MessageThreshold,
}

// IsInbound reports whether a device publishes this message type.
func (m MessageType) IsInbound() bool {
	for _, t := range InboundTypes {
		if t == m {
			return true
		}
	}
	return false
}

// Topics provides builders for device MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Commands("AA:BB:CC:DD:EE:FF") // ff/AA:BB:CC:DD:EE:FF/commands
type Topics struct{}

// Device returns ff/{deviceID}/{messageType}.
func (Topics) Device(deviceID string, messageType MessageType) string {
	return fmt.Sprintf("%s/%s/%s", TopicRoot, deviceID, messageType)
}

// Commands returns the topic a device listens on for commands.
func (t Topics) Commands(deviceID string) string {
	return t.Device(deviceID, MessageCommands)
}

// AllDevices returns the single-level wildcard subscription for one message
// type across every device, e.g. ff/+/ack.
func (Topics) AllDevices(messageType MessageType) string {
	return fmt.Sprintf("%s/+/%s", TopicRoot, messageType)
}

// ParseDeviceTopic splits ff/{device_id}/{type} into its parts.
// It returns ErrInvalidTopic for anything outside the device hierarchy.
func ParseDeviceTopic(topic string) (deviceID string, messageType MessageType, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicRoot || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q is not a device topic", ErrInvalidTopic, topic)
	}
	return parts[1], MessageType(parts[2]), nil
}
