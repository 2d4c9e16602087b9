package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the bridge. Every point is tagged with the bridge id.
const (
	// MeasurementTopicValue holds upstream payloads that parse as numbers,
	// tagged by upstream topic.
	MeasurementTopicValue = "modem_topic_value"

	// MeasurementSensor holds readings from the bridge's own sensor.
	MeasurementSensor = "modem_sensor"
)

// WriteTopicValue records a numeric payload received from the upstream broker.
//
//	client.WriteTopicValue("gh-north", "Sensor/GH1/Center/Temp", 21.5)
func (c *Client) WriteTopicValue(bridgeID, topic string, value float64) {
	c.write(topicValuePoint(bridgeID, topic, value, time.Now()))
}

// WriteSensorReading records a local temperature/humidity reading at the
// time it was taken. A zero time means now.
func (c *Client) WriteSensorReading(bridgeID string, temperature, humidity float64, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	c.write(sensorPoint(bridgeID, temperature, humidity, at))
}

// WritePoint writes a point stamped now. The health reporter uses it for
// link statistics:
//
//	client.WritePoint("modem_link",
//	    map[string]string{"bridge": "gh-north"},
//	    map[string]any{"connected": true, "disconnects": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.write(write.NewPoint(measurement, tags, fields, time.Now()))
}

func topicValuePoint(bridgeID, topic string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementTopicValue,
		map[string]string{"bridge": bridgeID, "topic": topic},
		map[string]any{"value": value},
		ts,
	)
}

func sensorPoint(bridgeID string, temperature, humidity float64, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSensor,
		map[string]string{"bridge": bridgeID},
		map[string]any{"temperature_c": temperature, "humidity_pct": humidity},
		ts,
	)
}
