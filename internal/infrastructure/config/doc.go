// Package config loads the modem bridge configuration.
//
// Load reads a YAML file over built-in defaults, applies MODEMBRIDGE_*
// environment overrides, then validates the result. Validation covers the
// limits the ESP-AT firmware imposes on the values sent to it, such as
// upstream field lengths and the topic count, so a bad value
// fails at startup rather than as an opaque ERROR from the modem.
//
// Credentials (MODEMBRIDGE_WIFI_PASSWORD, MODEMBRIDGE_UPSTREAM_PASSWORD,
// MODEMBRIDGE_INFLUXDB_TOKEN, MODEMBRIDGE_JWT_SECRET) are best supplied
// through the environment, leaving the file free of secrets.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	interval := cfg.GetLoopInterval()
package config
