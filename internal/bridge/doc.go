// Package bridge decouples the MQTT broker connection from every process
// that handles requests.
//
// Only the aquabridge process talks to the broker. Everything else talks to
// a message bus with three channels:
//
//	mqtt_outgoing           command payloads on their way to ff/{device}/commands
//	mqtt_incoming           device messages from ff/{device}/{ack,complete,...}
//	command_status_updates  status fan-out for dashboards (plus command_status_{id})
//
//	┌───────────┐ PublishOutbound ┌───────────┐ ConsumeOutbound ┌───────┐  ff/+/commands  ┌────────┐
//	│ aquacore  │────────────────▶│    Bus    │────────────────▶│ Relay │────────────────▶│ device │
//	│ (tracker) │◀────────────────│ redis/mem │◀────────────────│       │◀────────────────│        │
//	└───────────┘  ConsumeInbound └───────────┘  PublishInbound └───────┘  ff/+/ack ...   └────────┘
//
// Delivery follows pub/sub semantics: at-least-once while a consumer is
// subscribed, nothing replayed across restarts. A failed PublishOutbound
// returns ErrUnavailable; callers treat it as "not sent" and let the
// command watchdog take over.
//
// RedisBus is used in deployment; MemoryBus runs both sides in one process
// for development and tests.
package bridge
