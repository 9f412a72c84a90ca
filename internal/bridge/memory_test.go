package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/futurefish/aquacore/internal/infrastructure/mqtt"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func TestMemoryBus_OutboundRoundTrip(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := bus.ConsumeOutbound(ctx)
	if err != nil {
		t.Fatalf("ConsumeOutbound() error = %v", err)
	}

	err = bus.PublishOutbound(ctx, "AA:BB", OutboundMessage{
		CommandID: "cmd-1",
		Payload:   json.RawMessage(`{"command_id":"cmd-1"}`),
		QoS:       1,
	})
	if err != nil {
		t.Fatalf("PublishOutbound() error = %v", err)
	}

	got := receive(t, out)
	if got.DeviceID != "AA:BB" || got.CommandID != "cmd-1" || got.Source != SourceCore {
		t.Errorf("got %+v", got)
	}
}

func TestMemoryBus_InboundFanout(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := bus.ConsumeInbound(ctx)
	b, _ := bus.ConsumeInbound(ctx)

	msg := InboundMessage{Topic: "ff/AA/ack", DeviceID: "AA", MessageType: mqtt.MessageAck, Payload: json.RawMessage(`{}`)}
	if err := bus.PublishInbound(ctx, msg); err != nil {
		t.Fatalf("PublishInbound() error = %v", err)
	}

	for _, ch := range []<-chan InboundMessage{a, b} {
		if got := receive(t, ch); got.Topic != "ff/AA/ack" || got.Source != SourceBridge {
			t.Errorf("got %+v", got)
		}
	}
}

func TestMemoryBus_UnsubscribeOnCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := bus.ConsumeInbound(ctx)
	h, _ := bus.Status(context.Background())
	if h.Subscribers["mqtt_incoming"] != 1 {
		t.Fatalf("subscribers = %v, want 1 incoming", h.Subscribers)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryBus_Errors(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	if err := bus.PublishOutbound(ctx, "", OutboundMessage{}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("PublishOutbound(no device) = %v, want ErrInvalidMessage", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.PublishOutbound(ctx, "AA", OutboundMessage{}); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishOutbound after close = %v, want ErrClosed", err)
	}
	if _, err := bus.ConsumeInbound(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("ConsumeInbound after close = %v, want ErrClosed", err)
	}
	h, _ := bus.Status(ctx)
	if h.Connected {
		t.Error("closed bus should report disconnected")
	}
}

func TestMemoryBus_StatusUpdates(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, _ := bus.ConsumeStatus(ctx)
	if err := bus.PublishStatus(ctx, StatusUpdate{Kind: UpdateCommand, ID: "cmd-1", Status: "SENT"}); err != nil {
		t.Fatalf("PublishStatus() error = %v", err)
	}
	if got := receive(t, updates); got.ID != "cmd-1" || got.Status != "SENT" {
		t.Errorf("got %+v", got)
	}
}

func TestRawPayload(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`online`, `"online"`},
		{``, `""`},
	}
	for _, tt := range tests {
		if got := string(rawPayload([]byte(tt.in))); got != tt.want {
			t.Errorf("rawPayload(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
