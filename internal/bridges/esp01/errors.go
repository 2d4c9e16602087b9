package esp01

import "errors"

// Domain errors for the ESP-01 bridge package.
var (
	// ErrNotConnected is returned when an operation requires the upstream
	// MQTT session but the modem reports no connection.
	ErrNotConnected = errors.New("esp01: modem session not connected")

	// ErrCommandFailed is returned when the modem answers a command with a
	// failure token or does not answer before the deadline.
	ErrCommandFailed = errors.New("esp01: modem command failed")

	// ErrInvalidTopic is returned when a topic is empty or contains
	// characters the modem cannot carry.
	ErrInvalidTopic = errors.New("esp01: invalid topic")

	// ErrTopicTooLong is returned when a topic exceeds MaxTopicLength.
	ErrTopicTooLong = errors.New("esp01: topic too long")

	// ErrTooManyTopics is returned when a topic set exceeds MaxTopics.
	ErrTooManyTopics = errors.New("esp01: too many topics")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("esp01: invalid QoS level")

	// ErrHostRequired is returned when a session is configured without a host.
	ErrHostRequired = errors.New("esp01: broker host is required")

	// ErrFieldTooLong is returned when a session field exceeds the modem's
	// fixed field capacity.
	ErrFieldTooLong = errors.New("esp01: field too long")

	// ErrCommandTooLong is returned when an encoded command would exceed
	// the modem's command line limit.
	ErrCommandTooLong = errors.New("esp01: command too long")

	// ErrPortRequired is returned when no serial port is supplied.
	ErrPortRequired = errors.New("esp01: serial port is required")

	// ErrWifiJoinFailed is returned when the access point could not be
	// joined within the configured timeout.
	ErrWifiJoinFailed = errors.New("esp01: wifi join failed")

	// ErrQueueFull is returned when a relay request cannot be queued for
	// the poll loop.
	ErrQueueFull = errors.New("esp01: request queue full")

	// ErrBridgeStopped is returned when a request arrives after Stop.
	ErrBridgeStopped = errors.New("esp01: bridge stopped")
)
