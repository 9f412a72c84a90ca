//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"
)

// These tests require a running MQTT broker at 127.0.0.1:1883.
//
//	go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_PublishSubscribeRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "aquabridge-int-roundtrip"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan struct{}, 1)

	err = client.Subscribe(Topics{}.AllDevices(MessageAck), 1, func(topic string, _ []byte) error {
		mu.Lock()
		received = append(received, topic)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}

	topic := Topics{}.Device("int-dev", MessageAck)
	if err := client.Publish(topic, []byte(`{"command_id":"x","success":true}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != topic {
		t.Errorf("received = %v, want [%s]", received, topic)
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998

	if _, err := Connect(cfg); err == nil {
		t.Fatal("Connect() should fail for refused connection")
	}
}
