// Package influxdb is the time-series sink for pond sensor readings.
//
// The listener writes every accepted sensors message here (one point per
// message, one field per parameter, tagged by device, pond and position),
// and the command tracker records terminal outcomes with their execution
// time. Writes are batched and non-blocking; failures arrive through the
// SetOnError callback.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without a sink
//	}
package influxdb
