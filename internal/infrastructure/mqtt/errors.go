package mqtt

import "errors"

var (
	// ErrConnectionFailed wraps a failed or timed out first connect.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected is returned while the broker link is down. The bridge
	// treats it as "skip the relay", not as a fault.
	ErrNotConnected = errors.New("mqtt: client not connected")

	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidTopic is returned for an empty topic, including an empty
	// Last Will topic passed to Connect.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)
