// Package device provides the pond controller registry and live device
// status for aquacore.
//
// Each ESP32 controller is identified by its MAC address (the {device_id}
// level of every ff/{device_id}/... MQTT topic) and drives up to two ponds,
// addressed on the wire by pond position 1 or 2.
//
// # Architecture
//
//	┌──────────────────┐    ┌──────────────────┐
//	│     Registry     │───▶│    Repository    │──▶ SQLite (devices, ponds)
//	│ • cache by id    │    │ • SQLite queries │
//	│ • pond lookup    │    └──────────────────┘
//	└──────────────────┘
//	┌──────────────────┐
//	│   StatusStore    │──▶ Redis hash per device, or memory
//	│ • merge updates  │
//	│ • offline sweep  │
//	└──────────────────┘
//
// The registry answers "which pond is this?" for inbound messages and
// "who owns this pond?" for the API. The status store is fed by heartbeat,
// startup and status messages; the janitor marks devices offline once they
// stop reporting.
//
// # Usage
//
//	registry := device.NewRegistry(device.NewSQLiteRepository(db))
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	pond, err := registry.ResolvePond(ctx, "AA:BB:CC:DD:EE:FF", 2)
//
// # Thread Safety
//
// Registry, MemoryStatusStore and RedisStatusStore are safe for concurrent use.
package device
