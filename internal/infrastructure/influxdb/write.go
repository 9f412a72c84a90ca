package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSensors  = "pond_sensors"
	MeasurementCommands = "device_commands"
)

// SensorReading is one sensors message from a pond controller, already
// filtered to plausible values.
type SensorReading struct {
	DeviceID     string
	PondID       string
	PondPosition int
	Values       map[string]float64
	Time         time.Time
}

// WriteSensorReading queues a reading as a single point with one field per
// parameter. Non-blocking; dropped silently when disconnected.
func (c *Client) WriteSensorReading(r SensorReading) {
	if !c.IsConnected() || len(r.Values) == 0 {
		return
	}
	c.writeAPI.WritePoint(sensorPoint(r))
}

// WriteCommandOutcome records a terminal command for duration analysis.
func (c *Client) WriteCommandOutcome(deviceID, kind, status string, executionTimeMS int64, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(deviceID, kind, status, executionTimeMS, at))
}

func sensorPoint(r SensorReading) *write.Point {
	fields := make(map[string]interface{}, len(r.Values))
	for k, v := range r.Values {
		fields[k] = v
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		MeasurementSensors,
		map[string]string{
			"device_id":     r.DeviceID,
			"pond_id":       r.PondID,
			"pond_position": strconv.Itoa(r.PondPosition),
		},
		fields,
		ts,
	)
}

func commandPoint(deviceID, kind, status string, executionTimeMS int64, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementCommands,
		map[string]string{
			"device_id": deviceID,
			"kind":      kind,
			"status":    status,
		},
		map[string]interface{}{
			"execution_time_ms": executionTimeMS,
		},
		at,
	)
}
