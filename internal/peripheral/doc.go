// Package peripheral provides the host-side collaborators that share the
// modem bridge's poll loop: a status display and a temperature/humidity
// sensor.
//
// Neither is part of the modem protocol. The bridge only calls
// Display.ShowText with short status words ("BOOT", "WIFI", "MQTT", "OK",
// "RUN", "ERR") or readings, and samples Sensor.Read on a fixed interval.
//
// # Sensor
//
// IIOSensor reads a DHT11/DHT22 through the Linux dht11 IIO driver
// (dtoverlay=dht11 on a Raspberry Pi). The driver exposes milli-degrees
// and milli-percent:
//
//	/sys/bus/iio/devices/iio:device0/in_temp_input
//	/sys/bus/iio/devices/iio:device0/in_humidityrelative_input
//
// Driver errors are mapped to the sensor error codes (TimeoutError,
// DataError, InitError) so readings look the same as on the firmware.
package peripheral
