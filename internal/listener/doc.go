// Package listener is the core-side consumer of device messages relayed by
// the bridge.
//
// Each inbound message is routed by the last segment of its MQTT topic:
//
//	ack, complete              -> command tracker
//	heartbeat, startup, status -> device status store
//	sensors                    -> InfluxDB sink, threshold evaluator
//	threshold                  -> threshold evaluator
//
// Messages for unknown commands, unregistered devices or unassigned pond
// positions are dropped with a warning. Sensor values outside the physical
// range of their sensor are discarded before storage or evaluation.
package listener
