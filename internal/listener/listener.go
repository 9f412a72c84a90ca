package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/influxdb"
	"github.com/futurefish/aquacore/internal/infrastructure/metrics"
	"github.com/futurefish/aquacore/internal/infrastructure/mqtt"
	"github.com/futurefish/aquacore/internal/threshold"
)

// Logger is the logging interface used by the listener.
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

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// CommandHandler applies device acks and completions.
type CommandHandler interface {
	HandleAck(ctx context.Context, a command.Ack) error
	HandleComplete(ctx context.Context, c command.Complete) error
}

// DeviceResolver maps device IDs and pond positions to registered ponds.
type DeviceResolver interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	ResolvePond(ctx context.Context, deviceID string, position int) (*device.Pond, error)
}

// ReadingEvaluator feeds readings to the threshold evaluator.
type ReadingEvaluator interface {
	Evaluate(ctx context.Context, pondID string, p threshold.Parameter, value float64, at time.Time) (threshold.Evaluation, error)
}

// SensorSink stores plausible readings for history.
type SensorSink interface {
	WriteSensorReading(r influxdb.SensorReading)
}

// Listener consumes inbound device messages from the bridge and routes them
// by message type: acks and completions to the command tracker, heartbeats
// to the status store, sensor readings to the time-series sink and the
// threshold evaluator.
type Listener struct {
	consumer  bridge.Consumer
	commands  CommandHandler
	devices   DeviceResolver
	status    device.StatusStore
	evaluator ReadingEvaluator
	sink      SensorSink
	logger    Logger
	clock     Clock

	received atomic.Uint64
	handled  atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(l Logger) Option { return func(ln *Listener) { ln.logger = l } }

// WithClock sets the clock used when a message carries no timestamp.
func WithClock(c Clock) Option { return func(ln *Listener) { ln.clock = c } }

// WithSensorSink stores accepted readings, typically in InfluxDB.
func WithSensorSink(s SensorSink) Option { return func(ln *Listener) { ln.sink = s } }

// New creates a Listener. The evaluator may be nil when threshold
// automation is disabled.
func New(consumer bridge.Consumer, commands CommandHandler, devices DeviceResolver, status device.StatusStore, evaluator ReadingEvaluator, opts ...Option) *Listener {
	l := &Listener{
		consumer:  consumer,
		commands:  commands,
		devices:   devices,
		status:    status,
		evaluator: evaluator,
		logger:    noopLogger{},
		clock:     systemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes inbound messages until ctx is cancelled or the stream
// closes. Handling errors are logged; they never stop the loop.
func (l *Listener) Run(ctx context.Context) error {
	msgs, err := l.consumer.ConsumeInbound(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to inbound messages: %w", err)
	}
	l.logger.Info("inbound listener started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return bridge.ErrClosed
			}
			if err := l.Handle(ctx, msg); err != nil {
				l.logger.Error("handling inbound message failed",
					"device_id", msg.DeviceID, "type", msg.MessageType, "error", err)
			}
		}
	}
}

// Handle routes one inbound message. Unknown commands and unregistered
// devices are dropped with a warning and return nil.
func (l *Listener) Handle(ctx context.Context, msg bridge.InboundMessage) error {
	l.received.Add(1)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.clock.Now()
	}

	var err error
	switch msg.MessageType {
	case mqtt.MessageAck:
		err = l.handleAck(ctx, msg)
	case mqtt.MessageComplete:
		err = l.handleComplete(ctx, msg)
	case mqtt.MessageHeartbeat, mqtt.MessageStartup, mqtt.MessageStatus:
		err = l.handleHeartbeat(ctx, msg)
	case mqtt.MessageSensors:
		err = l.handleSensors(ctx, msg)
	case mqtt.MessageThreshold:
		err = l.handleThreshold(ctx, msg)
	case mqtt.MessageCommands:
		// Our own publishes echoed by a wildcard subscription.
		l.dropped.Add(1)
		return nil
	default:
		l.logger.Warn("unknown message type", "device_id", msg.DeviceID, "type", msg.MessageType, "topic", msg.Topic)
		l.dropped.Add(1)
		return nil
	}

	switch {
	case err == nil:
		l.handled.Add(1)
		return nil
	case errors.Is(err, command.ErrNotFound),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrPondNotFound):
		l.logger.Warn("dropping message for unknown target",
			"device_id", msg.DeviceID, "type", msg.MessageType, "error", err)
		l.dropped.Add(1)
		return nil
	default:
		l.failed.Add(1)
		return err
	}
}

func (l *Listener) handleAck(ctx context.Context, msg bridge.InboundMessage) error {
	a, err := command.DecodeAck(msg.Payload)
	if err != nil {
		return err
	}
	l.logger.Debug("ack received", "device_id", msg.DeviceID, "command_id", a.CommandID, "success", a.Success)
	return l.commands.HandleAck(ctx, a)
}

func (l *Listener) handleComplete(ctx context.Context, msg bridge.InboundMessage) error {
	c, err := command.DecodeComplete(msg.Payload)
	if err != nil {
		return err
	}
	l.logger.Debug("completion received", "device_id", msg.DeviceID, "command_id", c.CommandID, "success", c.Success)
	return l.commands.HandleComplete(ctx, c)
}

func (l *Listener) handleHeartbeat(ctx context.Context, msg bridge.InboundMessage) error {
	if _, err := l.devices.GetDevice(ctx, msg.DeviceID); err != nil {
		return err
	}
	update, err := device.DecodeHeartbeat(msg.DeviceID, msg.Payload, msg.Timestamp)
	if err != nil {
		return err
	}
	if _, err := l.status.Update(ctx, update); err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	if msg.MessageType == mqtt.MessageStartup {
		l.logger.Info("device started", "device_id", msg.DeviceID, "firmware", update.FirmwareVersion)
	}
	return nil
}

func (l *Listener) handleSensors(ctx context.Context, msg bridge.InboundMessage) error {
	decoded, err := DecodeSensors(msg.Payload)
	if err != nil {
		return err
	}

	byPosition := make(map[int][]Reading)
	for _, r := range decoded.Readings {
		if !r.Parameter.Plausible(r.Value) {
			metrics.IncSensorRejected(string(r.Parameter))
			l.rejected.Add(1)
			l.logger.Debug("implausible reading discarded",
				"device_id", msg.DeviceID, "parameter", r.Parameter, "value", r.Value)
			continue
		}
		byPosition[r.Position] = append(byPosition[r.Position], r)
	}

	positions := make([]int, 0, len(byPosition))
	for pos := range byPosition {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var errs []error
	for _, pos := range positions {
		pond, err := l.devices.ResolvePond(ctx, msg.DeviceID, pos)
		if err != nil {
			if len(positions) > 1 && errors.Is(err, device.ErrPondNotFound) {
				// Single-pond controllers still report water2/feed2.
				continue
			}
			return err
		}
		readings := byPosition[pos]
		sortReadings(readings)
		l.store(msg, decoded.Timestamp, pond, readings)
		for _, r := range readings {
			if err := l.evaluate(ctx, pond.ID, r.Parameter, r.Value, msg.Timestamp); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (l *Listener) handleThreshold(ctx context.Context, msg bridge.InboundMessage) error {
	report, p, err := DecodeThresholdReport(msg.Payload)
	if err != nil {
		return err
	}
	pond, err := l.devices.ResolvePond(ctx, msg.DeviceID, report.PondPosition)
	if err != nil {
		return err
	}
	l.logger.Warn("device reported threshold breach",
		"device_id", msg.DeviceID, "pond_id", pond.ID, "parameter", p,
		"value", *report.Value, "severity", report.Severity)
	if !p.Plausible(*report.Value) {
		metrics.IncSensorRejected(string(p))
		l.rejected.Add(1)
		return nil
	}
	return l.evaluate(ctx, pond.ID, p, *report.Value, msg.Timestamp)
}

func (l *Listener) store(msg bridge.InboundMessage, deviceTime time.Time, pond *device.Pond, readings []Reading) {
	if l.sink == nil {
		return
	}
	at := deviceTime
	if at.IsZero() {
		at = msg.Timestamp
	}
	values := make(map[string]float64, len(readings))
	for _, r := range readings {
		values[string(r.Parameter)] = r.Value
	}
	l.sink.WriteSensorReading(influxdb.SensorReading{
		DeviceID:     msg.DeviceID,
		PondID:       pond.ID,
		PondPosition: pond.Position,
		Values:       values,
		Time:         at,
	})
}

func (l *Listener) evaluate(ctx context.Context, pondID string, p threshold.Parameter, value float64, at time.Time) error {
	if l.evaluator == nil {
		return nil
	}
	ev, err := l.evaluator.Evaluate(ctx, pondID, p, value, at)
	if err != nil {
		return fmt.Errorf("evaluating %s for pond %s: %w", p, pondID, err)
	}
	if ev.Triggered {
		l.logger.Info("threshold triggered",
			"pond_id", pondID, "parameter", p, "value", value, "execution_id", ev.ExecutionID, "outcome", ev.Outcome)
	}
	return nil
}

// sortReadings orders readings the way threshold.Parameters lists them so
// evaluation order does not depend on JSON key order.
func sortReadings(readings []Reading) {
	rank := make(map[threshold.Parameter]int, len(threshold.Parameters))
	for i, p := range threshold.Parameters {
		rank[p] = i
	}
	sort.SliceStable(readings, func(i, j int) bool {
		return rank[readings[i].Parameter] < rank[readings[j].Parameter]
	})
}

// Stats contains listener counters for the health endpoint.
type Stats struct {
	Received uint64 `json:"received"`
	Handled  uint64 `json:"handled"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected_readings"`
}

// GetStats returns current listener counters.
func (l *Listener) GetStats() Stats {
	return Stats{
		Received: l.received.Load(),
		Handled:  l.handled.Load(),
		Dropped:  l.dropped.Load(),
		Failed:   l.failed.Load(),
		Rejected: l.rejected.Load(),
	}
}
