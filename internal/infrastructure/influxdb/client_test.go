package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/futurefish/aquacore/internal/infrastructure/config"
)

func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "aquacore-dev-token",
		Org:           "futurefish",
		Bucket:        "ponds",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// connectOrSkip returns a live client or skips when no server is running.
func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(testConfig())
	if err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Skip("InfluxDB not available, skipping integration test")
	}
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestDisconnectedClient(t *testing.T) {
	c := &Client{}

	if c.IsConnected() {
		t.Error("zero client should not be connected")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
	// Writes and flushes on a disconnected client are no-ops.
	c.WriteSensorReading(SensorReading{Values: map[string]float64{"ph": 7}})
	c.WriteCommandOutcome("dev", "FEED", "COMPLETED", 4800, time.Now())
	c.Flush()
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestSensorPoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := sensorPoint(SensorReading{
		DeviceID:     "AA:BB",
		PondID:       "pond-1",
		PondPosition: 2,
		Values:       map[string]float64{"temperature": 24.5, "ph": 7.1},
		Time:         at,
	})

	line := write.PointToLineProtocol(p, time.Second)
	for _, want := range []string{
		MeasurementSensors,
		"device_id=AA:BB",
		"pond_id=pond-1",
		"pond_position=2",
		"temperature=24.5",
		"ph=7.1",
		"1772355600",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line protocol %q missing %q", line, want)
		}
	}
}

func TestCommandPoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	line := write.PointToLineProtocol(commandPoint("AA:BB", "FEED", "COMPLETED", 4800, at), time.Second)

	for _, want := range []string{MeasurementCommands, "kind=FEED", "status=COMPLETED", "execution_time_ms=4800i"} {
		if !strings.Contains(line, want) {
			t.Errorf("line protocol %q missing %q", line, want)
		}
	}
}

func TestIntegration_WriteAndFlush(t *testing.T) {
	client := connectOrSkip(t)
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	var writeErr error
	client.SetOnError(func(err error) { writeErr = err })
	client.WriteSensorReading(SensorReading{
		DeviceID: "test-device", PondID: "test-pond", PondPosition: 1,
		Values: map[string]float64{"temperature": 22.0},
	})
	client.Flush()

	if writeErr != nil {
		t.Errorf("async write error: %v", writeErr)
	}
}
