package mqtt

import "errors"

// Sentinel errors; match with errors.Is.
var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")

	// ErrInvalidQoS means a QoS other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic means an empty topic or one containing + or #.
	// Event topics are publish-only, so wildcards are never valid.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
