package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/futurefish/aquacore/internal/infrastructure/metrics"
	"github.com/futurefish/aquacore/internal/infrastructure/mqtt"
)

// BrokerClient is the subset of *mqtt.Client the relay uses.
type BrokerClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Relay is the broker-holding half of the bridge. It runs in aquabridge and
// shuttles messages between MQTT and the bus in both directions.
type Relay struct {
	broker BrokerClient
	bus    BrokerSide
	log    MessageLog
	logger Logger
	qos    byte
	now    func() time.Time
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithMessageLog records every relayed message.
func WithMessageLog(log MessageLog) RelayOption {
	return func(r *Relay) { r.log = log }
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

// WithSubscribeQoS sets the QoS used for device topic subscriptions.
func WithSubscribeQoS(qos byte) RelayOption {
	return func(r *Relay) { r.qos = qos }
}

// NewRelay creates a relay between broker and bus.
func NewRelay(broker BrokerClient, bus BrokerSide, opts ...RelayOption) *Relay {
	r := &Relay{
		broker: broker,
		bus:    bus,
		logger: noopLogger{},
		qos:    1,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run subscribes every inbound device topic, then relays outbound messages
// until ctx is cancelled. It returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	topics := mqtt.Topics{}
	for _, mt := range mqtt.InboundTypes {
		if err := r.broker.Subscribe(topics.AllDevices(mt), r.qos, r.inboundHandler(ctx)); err != nil {
			return fmt.Errorf("subscribing %s: %w", mt, err)
		}
	}
	r.logger.Info("relay subscribed device topics", "count", len(mqtt.InboundTypes))

	outbound, err := r.bus.ConsumeOutbound(ctx)
	if err != nil {
		return fmt.Errorf("consuming outbound: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-outbound:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: outbound stream ended", ErrUnavailable)
			}
			r.relayOutbound(ctx, msg)
		}
	}
}

func (r *Relay) inboundHandler(ctx context.Context) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		return r.relayInbound(ctx, topic, payload)
	}
}

// relayInbound forwards one device message onto the bus.
func (r *Relay) relayInbound(ctx context.Context, topic string, payload []byte) error {
	start := r.now()
	deviceID, mt, err := mqtt.ParseDeviceTopic(topic)
	if err == nil && !mt.IsInbound() {
		err = fmt.Errorf("%w: unexpected message type %q", ErrInvalidMessage, mt)
	}
	if err == nil {
		err = r.bus.PublishInbound(ctx, InboundMessage{
			Topic:       topic,
			DeviceID:    deviceID,
			MessageType: mt,
			Payload:     rawPayload(payload),
			Timestamp:   start.UTC(),
			Source:      SourceBridge,
		})
	}

	elapsed := r.now().Sub(start)
	metrics.ObserveBridgeMessage(metrics.DirectionInbound, err, elapsed)
	r.record(ctx, LogEntry{
		Direction:   DirectionInbound,
		DeviceID:    deviceID,
		Topic:       topic,
		MessageType: string(mt),
		Payload:     string(payload),
		SizeBytes:   len(payload),
		Success:     err == nil,
		Error:       errString(err),
		LatencyMS:   float64(elapsed.Microseconds()) / 1000,
		CreatedAt:   start,
	})

	if err != nil {
		r.logger.Warn("inbound relay failed", "topic", topic, "error", err)
		return err
	}
	r.logger.Debug("inbound relayed", "topic", topic, "device_id", deviceID, "bytes", len(payload))
	return nil
}

// relayOutbound publishes one command to its device topic.
func (r *Relay) relayOutbound(ctx context.Context, msg OutboundMessage) {
	start := r.now()
	topic := msg.Topic
	if topic == "" {
		topic = mqtt.Topics{}.Commands(msg.DeviceID)
	}

	var err error
	switch {
	case msg.DeviceID == "":
		err = fmt.Errorf("%w: missing device id", ErrInvalidMessage)
	case len(msg.Payload) == 0:
		err = fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	default:
		err = r.broker.Publish(topic, msg.Payload, msg.QoS, false)
	}

	elapsed := r.now().Sub(start)
	metrics.ObserveBridgeMessage(metrics.DirectionOutbound, err, elapsed)
	r.record(ctx, LogEntry{
		Direction:   DirectionOutbound,
		DeviceID:    msg.DeviceID,
		Topic:       topic,
		MessageType: string(mqtt.MessageCommands),
		Payload:     string(msg.Payload),
		SizeBytes:   len(msg.Payload),
		Success:     err == nil,
		Error:       errString(err),
		LatencyMS:   float64(elapsed.Microseconds()) / 1000,
		CreatedAt:   start,
	})

	if err != nil {
		// The command stays SENT; its watchdog retries or times it out.
		r.logger.Error("outbound relay failed",
			"command_id", msg.CommandID, "device_id", msg.DeviceID, "error", err,
			"broker_down", errors.Is(err, mqtt.ErrNotConnected))
		return
	}
	r.logger.Info("command relayed", "command_id", msg.CommandID, "topic", topic)
}

func (r *Relay) record(ctx context.Context, e LogEntry) {
	if r.log == nil {
		return
	}
	if err := r.log.Record(ctx, e); err != nil {
		r.logger.Warn("message log write failed", "topic", e.Topic, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
