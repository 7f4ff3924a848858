// Package mqtt publishes chainkeeper state to an MQTT broker.
//
// The daemon mirrors its event bus onto the broker so dashboards and home
// automation can follow downloads and chain processes without polling the
// HTTP API. The client only publishes; commands go through the API.
//
// # Topics
//
// Every topic lives under a configurable prefix (default "chainkeeper"):
//
//	chainkeeper/system/status         retained online/offline, also the LWT
//	chainkeeper/events/<type>/<chain> every bus event, not retained
//	chainkeeper/status/<chain>        retained latest chain-status-update
//	chainkeeper/downloads             retained latest downloads-update
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PublishRetained(client.Topics().Status("bitcoin"), payload)
package mqtt
