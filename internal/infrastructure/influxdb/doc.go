// Package influxdb records vehicle telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Three measurements
// are written, all tagged by device_id:
//   - movement: status_clave and duration_ms, tagged with command and origin
//   - obstacle: status_clave and, when measured, distance_cm
//   - device_status: the scalar fields of each status report
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.WriteMovement(7, "forward", 1, 1500, "web_rest")
//
// Writes are non-blocking and batched (batch_size, flush_interval); batch
// errors arrive through the SetOnError callback. Telemetry is optional and
// never on the command path.
package influxdb
