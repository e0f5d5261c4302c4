// Package influxdb provides InfluxDB connectivity for the Odemis daemon.
//
// It wraps the official influxdb-client-go v2 library to keep the history
// of component values: numeric and boolean VAs (va_values) and DataFlow
// throughput (dataflow_arrays), tagged by container and component.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteVA("back1", "stage", "speed", 2.0)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval; their errors are delivered to the SetOnError callback.
// Connection and health check errors are returned directly.
package influxdb
