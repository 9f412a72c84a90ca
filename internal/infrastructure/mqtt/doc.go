// Package mqtt wraps the paho client for the aquabridge relay process.
//
// Only aquabridge holds a broker connection. It subscribes the device
// topics ff/+/{ack,complete,sensors,heartbeat,startup,status,threshold}
// and publishes commands to ff/{device_id}/commands; every other process
// reaches devices through the bridge package.
//
// The relay announces itself on aquacore/bridge/status (retained), with a
// last will that flips it to offline if the process dies.
package mqtt
