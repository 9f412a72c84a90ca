package listener

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/futurefish/aquacore/internal/threshold"
)

// ErrInvalidPayload is returned for sensor or threshold payloads that
// cannot be decoded.
var ErrInvalidPayload = errors.New("listener: invalid payload")

// sensorKeys maps payload keys to the pond position they describe and the
// parameter they carry. Position 0 means the message's pond_position.
var sensorKeys = map[string]struct {
	position  int
	parameter threshold.Parameter
}{
	"temperature":      {0, threshold.Temperature},
	"water_level":      {0, threshold.WaterLevel},
	"feed_level":       {0, threshold.FeedLevel},
	"turbidity":        {0, threshold.Turbidity},
	"dissolved_oxygen": {0, threshold.DissolvedOxygen},
	"ph":               {0, threshold.PH},
	"ammonia":          {0, threshold.Ammonia},
	"battery":          {0, threshold.Battery},
	"water1":           {1, threshold.WaterLevel},
	"water2":           {2, threshold.WaterLevel},
	"water_level2":     {2, threshold.WaterLevel},
	"feed1":            {1, threshold.FeedLevel},
	"feed2":            {2, threshold.FeedLevel},
	"feed_level2":      {2, threshold.FeedLevel},
}

// Reading is one decoded sensor value.
type Reading struct {
	Position  int
	Parameter threshold.Parameter
	Value     float64
}

// SensorMessage is a decoded ff/{id}/sensors payload.
type SensorMessage struct {
	Readings []Reading

	// Timestamp is the device clock, zero when absent or unparseable.
	Timestamp time.Time
}

type sensorEnvelope struct {
	Data         map[string]json.RawMessage `json:"data"`
	Timestamp    string                     `json:"timestamp"`
	PondPosition int                        `json:"pond_position"`
}

// DecodeSensors parses a sensors payload. Values may sit under "data" or
// at the top level; dual-pond controllers report water and feed per
// position (water1, water2, feed1, feed2). Unknown keys and non-numeric
// values are skipped.
func DecodeSensors(payload []byte) (SensorMessage, error) {
	var env sensorEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return SensorMessage{}, fmt.Errorf("%w: sensors: %w", ErrInvalidPayload, err)
	}
	fields := env.Data
	if len(fields) == 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return SensorMessage{}, fmt.Errorf("%w: sensors: %w", ErrInvalidPayload, err)
		}
	}

	position := env.PondPosition
	if position == 0 {
		position = 1
	}
	msg := SensorMessage{Timestamp: parseTimestamp(env.Timestamp)}
	for key, raw := range fields {
		k, ok := sensorKeys[key]
		if !ok {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		pos := k.position
		if pos == 0 {
			pos = position
		}
		msg.Readings = append(msg.Readings, Reading{Position: pos, Parameter: k.parameter, Value: v})
	}
	if len(msg.Readings) == 0 {
		return SensorMessage{}, fmt.Errorf("%w: sensors: no readings", ErrInvalidPayload)
	}
	return msg, nil
}

// ThresholdReport is a breach the device detected itself, published on
// ff/{id}/threshold.
type ThresholdReport struct {
	Parameter    string   `json:"parameter"`
	Value        *float64 `json:"value"`
	Threshold    *float64 `json:"threshold,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	Message      string   `json:"message,omitempty"`
	PondPosition int      `json:"pond_position,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

// DecodeThresholdReport parses a device threshold payload.
func DecodeThresholdReport(payload []byte) (ThresholdReport, threshold.Parameter, error) {
	var r ThresholdReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, "", fmt.Errorf("%w: threshold: %w", ErrInvalidPayload, err)
	}
	if r.Value == nil {
		return r, "", fmt.Errorf("%w: threshold: missing value", ErrInvalidPayload)
	}
	p, err := threshold.ParseParameter(r.Parameter)
	if err != nil {
		return r, "", fmt.Errorf("%w: threshold: %w", ErrInvalidPayload, err)
	}
	if r.PondPosition == 0 {
		r.PondPosition = 1
	}
	return r, p, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
