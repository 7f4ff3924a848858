// Package influxdb writes chainkeeper telemetry to InfluxDB v2.
//
// Three measurements are written, all tagged by chain_id:
//   - download_progress: bytes, percent and retries per downloads-update
//   - download_result: one point per finished download, tagged by outcome
//   - chain_status: one point per status transition, with up=1 while running
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteChainStatus(influxdb.ChainStatus{ChainID: "bitcoin", Status: "running"}, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking and batched according to batch_size and
// flush_interval; asynchronous failures reach the SetOnError callback.
package influxdb
