// Package logging sets up the bridge's log/slog logger.
//
// Every entry carries service and version fields, and each subsystem adds
// a component field through Component. String attributes whose key names a
// credential (password, secret, token, psk) are written as Redacted, so
// WiFi and broker passwords stay out of the logs even if a config struct
// is logged whole.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("esp01").Info("command sent", "verb", "AT+MQTTCONN")
package logging
