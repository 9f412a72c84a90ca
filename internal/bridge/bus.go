package bridge

import "context"

// Channel names, overridable from the bridge config section.
type Channels struct {
	Outgoing string
	Incoming string
	Status   string
}

// DefaultChannels matches the channel names the web tier subscribes to.
func DefaultChannels() Channels {
	return Channels{
		Outgoing: "mqtt_outgoing",
		Incoming: "mqtt_incoming",
		Status:   "command_status_updates",
	}
}

// CommandStatusChannel is the per-command channel a waiter can subscribe to.
func CommandStatusChannel(commandID string) string {
	return "command_status_" + commandID
}

// Publisher is the command-side outbound path.
type Publisher interface {
	// PublishOutbound enqueues msg for deviceID. It does not wait for the
	// broker; the only error is the bus itself being unreachable.
	PublishOutbound(ctx context.Context, deviceID string, msg OutboundMessage) error
}

// Consumer is the command-side inbound path.
type Consumer interface {
	// ConsumeInbound subscribes to device messages. The channel closes when
	// ctx is cancelled or the bus shuts down.
	ConsumeInbound(ctx context.Context) (<-chan InboundMessage, error)
}

// StatusPublisher fans status changes out to dashboards.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, update StatusUpdate) error
}

// BrokerSide is what the relay needs from the bus.
type BrokerSide interface {
	ConsumeOutbound(ctx context.Context) (<-chan OutboundMessage, error)
	PublishInbound(ctx context.Context, msg InboundMessage) error
}

// Bus is the full message bus, implemented by RedisBus and MemoryBus.
type Bus interface {
	Publisher
	Consumer
	StatusPublisher
	BrokerSide
	Status(ctx context.Context) (Health, error)
	Close() error
}

// Logger is the logging interface used by the bus and relay.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
