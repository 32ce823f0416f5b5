// Package influxdb mirrors the recorder's accepted machine changes into
// InfluxDB v2 through the official influxdb-client-go library.
//
// The mirror is optional (influxdb.enabled). Points go to the
// machine_state measurement, batched by batch_size and flush_interval;
// failed batches are reported asynchronously through SetOnError.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteMachineReading(influxdb.MachineReading{MachineCode: "45051", StatusCode: 10, Counter: 5, CapturedAt: ts})
package influxdb
