// Package influxdb writes modem bridge telemetry to InfluxDB 2.x.
//
// Three kinds of points are written, all tagged with the bridge id:
//   - modem_topic_value: upstream payloads that parse as numbers
//   - modem_sensor: the bridge's own temperature/humidity readings
//   - modem_link: link counters from each health tick
//
// Writes go through the client library's non-blocking, batched write API,
// so the bridge's poll loop never waits on the network. Failed batches are
// reported to the SetOnError callback and counted in Stats.
//
// Telemetry is optional: Connect returns ErrDisabled when
// influxdb.enabled is false and the bridge runs without it.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTopicValue("gh-north", "Sensor/GH1/Center/Temp", 21.5)
package influxdb
